// Package gateway exposes the marketplace over HTTP. It serves listing
// and offer CRUD backed by the market database, and drives purchase,
// registration, and renewal flows through per-client sessions.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"namemarket/market/order"
	"namemarket/market/purchase"
	"namemarket/market/register"
	"namemarket/market/renew"
	"namemarket/market/session"
	"namemarket/marketdb"
	"namemarket/observability"
	"namemarket/records"
)

// FlowFactory builds flow instances bound to the live chain clients. The
// gateway never talks to the chain directly; it drives flows the factory
// hands out.
type FlowFactory interface {
	Purchase(ctx context.Context, listing order.Listing) (*purchase.Flow, error)
	Registration(ctx context.Context, label string, owner common.Address, duration time.Duration) (*register.Flow, error)
	Renewal(ctx context.Context, owner common.Address, domains []renew.Domain, duration time.Duration) (*renew.Flow, error)
}

// RecordWriter publishes DNS record sets to the on-chain resolver.
type RecordWriter interface {
	SetRecords(ctx context.Context, name string, recs []records.Record) (common.Hash, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Store    *marketdb.Store
	Sessions *session.Manager
	Flows    FlowFactory
	Records  RecordWriter
	Auth     AuthConfig
	Limiter  *RateLimiter
	Logger   *slog.Logger
	Now      func() time.Time
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	store    *marketdb.Store
	sessions *session.Manager
	flows    FlowFactory
	records  RecordWriter
	logger   *slog.Logger
	now      func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router with authentication, rate
// limiting, and request metrics.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("gateway: store is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("gateway: session manager is required")
	}
	if cfg.Flows == nil {
		return nil, fmt.Errorf("gateway: flow factory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	srv := &Server{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		flows:    cfg.Flows,
		records:  cfg.Records,
		logger:   logger,
		now:      now,
	}
	srv.router = srv.buildRouter(NewAuthenticator(cfg.Auth, logger), cfg.Limiter)
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(auth *Authenticator, limiter *RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		if limiter != nil {
			api.Use(limiter.Middleware)
		}
		api.Use(auth.Middleware)

		api.Get("/listings", s.ListListings)
		api.Post("/listings", s.CreateListing)
		api.Delete("/listings/{id}", s.CancelListing)

		api.Get("/names/{label}/offers", s.ListOffers)
		api.Put("/names/{label}/records", s.SetRecords)
		api.Get("/offers", s.MyOffers)
		api.Post("/offers", s.CreateOffer)
		api.Delete("/offers/{id}", s.CancelOffer)

		api.Get("/activity", s.Activity)
		api.Get("/portfolio", s.Portfolio)

		api.Post("/purchases", s.StartPurchase)
		api.Post("/purchases/{id}/approve", s.ApprovePurchase)
		api.Post("/purchases/{id}/submit", s.SubmitPurchase)

		api.Post("/registrations", s.StartRegistration)
		api.Post("/registrations/{id}/commit", s.CommitRegistration)
		api.Post("/registrations/{id}/register", s.SubmitRegistration)

		api.Post("/renewals", s.StartRenewal)
		api.Post("/renewals/{id}/submit", s.SubmitRenewal)

		api.Get("/sessions/{id}", s.SessionStatus)
		api.Get("/sessions/{id}/events", s.SessionEvents)
		api.Post("/sessions/{id}/retry", s.RetrySession)
		api.Delete("/sessions/{id}", s.ReleaseSession)
	})

	return otelhttp.NewHandler(r, "gateway")
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		status := strconv.Itoa(ww.Status())
		observability.Gateway().ObserveRequest(route, status, time.Since(start))
	})
}

type listingView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Seller    string    `json:"seller"`
	PriceWei  string    `json:"price_wei"`
	Currency  string    `json:"currency"`
	Source    string    `json:"source"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toListingView(l marketdb.Listing) listingView {
	return listingView{
		ID:        l.ID.String(),
		Name:      l.Name,
		Seller:    l.Seller,
		PriceWei:  l.PriceWei,
		Currency:  l.Currency,
		Source:    l.Source,
		ExpiresAt: l.ExpiresAt,
	}
}

// ListListings returns active listings, cheapest first. An optional name
// query narrows to one name.
func (s *Server) ListListings(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	listings, err := s.store.ActiveListings(r.Context(), name, s.now())
	if err != nil {
		http.Error(w, "failed to load listings", http.StatusInternalServerError)
		return
	}
	views := make([]listingView, 0, len(listings))
	for _, l := range listings {
		views = append(views, toListingView(l))
	}
	s.writeJSON(w, http.StatusOK, views)
}

// CreateListing stores a signed order payload as an active listing for
// the authenticated seller.
func (s *Server) CreateListing(w http.ResponseWriter, r *http.Request) {
	caller, err := CallerFrom(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		Name      string          `json:"name"`
		PriceWei  string          `json:"price_wei"`
		Currency  string          `json:"currency"`
		Source    string          `json:"source"`
		ExpiresAt time.Time       `json:"expires_at"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(req.PriceWei), 10)
	if !ok || price.Sign() <= 0 {
		http.Error(w, "price_wei must be a positive decimal string", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		http.Error(w, "payload is required", http.StatusBadRequest)
		return
	}
	listing, err := s.store.CreateListing(r.Context(), order.Listing{
		Name:         strings.ToLower(strings.TrimSpace(req.Name)),
		Price:        price,
		Currency:     common.HexToAddress(req.Currency),
		Seller:       caller,
		ExpiresAt:    req.ExpiresAt,
		Source:       req.Source,
		OrderPayload: req.Payload,
	})
	if err != nil {
		if errors.Is(err, marketdb.ErrDuplicateListing) {
			http.Error(w, "listing already exists", http.StatusConflict)
			return
		}
		http.Error(w, "failed to create listing", http.StatusInternalServerError)
		return
	}
	if err := s.store.RecordActivity(r.Context(), listing.Name, marketdb.ActivityListed, caller, price, common.Hash{}); err != nil {
		s.logger.Debug("record listing activity", "error", err.Error())
	}
	s.writeJSON(w, http.StatusCreated, toListingView(*listing))
}

// CancelListing delists a listing owned by the caller.
func (s *Server) CancelListing(w http.ResponseWriter, r *http.Request) {
	caller, err := CallerFrom(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid listing id", http.StatusBadRequest)
		return
	}
	if err := s.store.CancelListing(r.Context(), id, caller); err != nil {
		if errors.Is(err, marketdb.ErrNotFound) {
			http.Error(w, "listing not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to cancel listing", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "delisted"})
}

type offerView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Buyer     string    `json:"buyer"`
	PriceWei  string    `json:"price_wei"`
	Currency  string    `json:"currency"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toOfferView(o marketdb.Offer) offerView {
	return offerView{
		ID:        o.ID.String(),
		Name:      o.Name,
		Buyer:     o.Buyer,
		PriceWei:  o.PriceWei,
		Currency:  o.Currency,
		ExpiresAt: o.ExpiresAt,
	}
}

// ListOffers returns live offers for a name, highest first.
func (s *Server) ListOffers(w http.ResponseWriter, r *http.Request) {
	label := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "label")))
	offers, err := s.store.OffersFor(r.Context(), label, s.now())
	if err != nil {
		http.Error(w, "failed to load offers", http.StatusInternalServerError)
		return
	}
	views := make([]offerView, 0, len(offers))
	for _, o := range offers {
		views = append(views, toOfferView(o))
	}
	s.writeJSON(w, http.StatusOK, views)
}

// MyOffers lists the authenticated caller's own live offers.
func (s *Server) MyOffers(w http.ResponseWriter, r *http.Request) {
	caller, err := CallerFrom(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	offers, err := s.store.OffersBy(r.Context(), caller, s.now())
	if err != nil {
		http.Error(w, "failed to load offers", http.StatusInternalServerError)
		return
	}
	views := make([]offerView, 0, len(offers))
	for _, o := range offers {
		views = append(views, toOfferView(o))
	}
	s.writeJSON(w, http.StatusOK, views)
}

// CreateOffer stores a signed buy offer from the authenticated caller.
func (s *Server) CreateOffer(w http.ResponseWriter, r *http.Request) {
	caller, err := CallerFrom(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		Name      string          `json:"name"`
		PriceWei  string          `json:"price_wei"`
		Currency  string          `json:"currency"`
		ExpiresAt time.Time       `json:"expires_at"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(req.PriceWei), 10)
	if !ok || price.Sign() <= 0 {
		http.Error(w, "price_wei must be a positive decimal string", http.StatusBadRequest)
		return
	}
	name := strings.ToLower(strings.TrimSpace(req.Name))
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	offer, err := s.store.CreateOffer(r.Context(), name, caller, price, common.HexToAddress(req.Currency), req.Payload, req.ExpiresAt)
	if err != nil {
		http.Error(w, "failed to create offer", http.StatusInternalServerError)
		return
	}
	if err := s.store.RecordActivity(r.Context(), name, marketdb.ActivityOffered, caller, price, common.Hash{}); err != nil {
		s.logger.Debug("record offer activity", "error", err.Error())
	}
	s.writeJSON(w, http.StatusCreated, toOfferView(*offer))
}

// CancelOffer withdraws an offer owned by the caller.
func (s *Server) CancelOffer(w http.ResponseWriter, r *http.Request) {
	caller, err := CallerFrom(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid offer id", http.StatusBadRequest)
		return
	}
	if err := s.store.CancelOffer(r.Context(), id, caller); err != nil {
		if errors.Is(err, marketdb.ErrNotFound) {
			http.Error(w, "offer not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to cancel offer", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type activityView struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Actor     string    `json:"actor"`
	PriceWei  string    `json:"price_wei,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Activity returns recent marketplace events, optionally scoped to one
// name via the name query parameter.
func (s *Server) Activity(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	var (
		rows []marketdb.Activity
		err  error
	)
	if name := strings.TrimSpace(r.URL.Query().Get("name")); name != "" {
		rows, err = s.store.ActivityFor(r.Context(), strings.ToLower(name), limit)
	} else {
		rows, err = s.store.RecentActivity(r.Context(), limit)
	}
	if err != nil {
		http.Error(w, "failed to load activity", http.StatusInternalServerError)
		return
	}
	views := make([]activityView, 0, len(rows))
	for _, row := range rows {
		views = append(views, activityView{
			Name:      row.Name,
			Kind:      string(row.Kind),
			Actor:     row.Actor,
			PriceWei:  row.PriceWei,
			TxHash:    row.TxHash,
			CreatedAt: row.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

type portfolioView struct {
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Portfolio returns the names owned by the authenticated caller.
func (s *Server) Portfolio(w http.ResponseWriter, r *http.Request) {
	caller, err := CallerFrom(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	names, err := s.store.PortfolioOf(r.Context(), caller)
	if err != nil {
		http.Error(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}
	views := make([]portfolioView, 0, len(names))
	for _, n := range names {
		views = append(views, portfolioView{Name: n.Name, ExpiresAt: n.ExpiresAt})
	}
	s.writeJSON(w, http.StatusOK, views)
}

// SetRecords publishes a DNS record set for a name the caller owns.
func (s *Server) SetRecords(w http.ResponseWriter, r *http.Request) {
	caller, err := CallerFrom(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	if s.records == nil {
		http.Error(w, "record management is not configured", http.StatusServiceUnavailable)
		return
	}
	label := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "label")))
	owns, err := s.store.HasName(r.Context(), caller, label)
	if err != nil {
		http.Error(w, "failed to check ownership", http.StatusInternalServerError)
		return
	}
	if !owns {
		http.Error(w, "name not owned by caller", http.StatusForbidden)
		return
	}
	var req struct {
		Records []struct {
			Name  string `json:"name"`
			Type  string `json:"type"`
			TTL   uint32 `json:"ttl"`
			Value string `json:"value"`
		} `json:"records"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	recs := make([]records.Record, 0, len(req.Records))
	for _, rec := range req.Records {
		recs = append(recs, records.Record{Name: rec.Name, Type: rec.Type, TTL: rec.TTL, Value: rec.Value})
	}
	txHash, err := s.records.SetRecords(r.Context(), label+".eth", recs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"tx_hash": txHash.Hex()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
