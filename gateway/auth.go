package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig tunes bearer-token validation.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	ClockSkew  time.Duration
}

type contextKey string

const contextKeyCaller contextKey = "gateway.caller"

// ErrNoCaller is returned when a handler runs without an authenticated
// wallet address in context.
var ErrNoCaller = errors.New("gateway: no authenticated caller")

// Authenticator validates HMAC-signed bearer tokens whose subject claim
// carries the caller's wallet address.
type Authenticator struct {
	secret    []byte
	issuer    string
	clockSkew time.Duration
	logger    *slog.Logger
}

// NewAuthenticator builds an Authenticator from config.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &Authenticator{
		secret:    []byte(strings.TrimSpace(cfg.HMACSecret)),
		issuer:    strings.TrimSpace(cfg.Issuer),
		clockSkew: skew,
		logger:    logger,
	}
}

// Middleware rejects requests without a valid token and stores the caller
// address in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		caller, err := a.parseToken(tokenString)
		if err != nil {
			a.logger.Debug("token validation failed", "error", err.Error())
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyCaller, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) parseToken(tokenString string) (common.Address, error) {
	if len(a.secret) == 0 {
		return common.Address{}, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{jwt.WithLeeway(a.clockSkew)}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return common.Address{}, err
	}
	if !token.Valid {
		return common.Address{}, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return common.Address{}, errors.New("unexpected claims type")
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(subject) {
		return common.Address{}, errors.New("subject is not a wallet address")
	}
	return common.HexToAddress(subject), nil
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// CallerFrom returns the authenticated wallet address stored by the
// auth middleware.
func CallerFrom(ctx context.Context) (common.Address, error) {
	caller, ok := ctx.Value(contextKeyCaller).(common.Address)
	if !ok {
		return common.Address{}, ErrNoCaller
	}
	return caller, nil
}
