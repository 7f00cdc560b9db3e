package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"namemarket/api"
	"namemarket/chain"
	"namemarket/cmd/internal/passphrase"
	"namemarket/config"
	"namemarket/exports"
	"namemarket/gateway"
	"namemarket/market/order"
	"namemarket/market/purchase"
	"namemarket/market/register"
	"namemarket/market/renew"
	"namemarket/market/session"
	"namemarket/marketdb"
	"namemarket/observability/logging"
	telemetry "namemarket/observability/otel"
	"namemarket/records"
	"namemarket/registrar"
	"namemarket/storage"
	"namemarket/wallet"
)

// flowFactory binds the gateway's sessions to the live chain clients.
type flowFactory struct {
	cfg      *config.Config
	chain    *chain.Client
	wallet   *wallet.Wallet
	reg      *registrar.Registrar
	store    *storage.Storage
	data     *api.Client
	schedule *registrar.Schedule
}

func (f *flowFactory) Purchase(ctx context.Context, listing order.Listing) (*purchase.Flow, error) {
	return purchase.New(purchase.Config{
		Listing:       listing,
		Chain:         f.chain,
		Sender:        f.wallet,
		Exchange:      common.HexToAddress(f.cfg.Contracts.Exchange),
		PaymentToken:  common.HexToAddress(f.cfg.Contracts.PaymentToken),
		Invalidator:   f.data,
		Purchases:     f.store,
		Confirmations: f.cfg.Confirmations,
	})
}

func (f *flowFactory) Registration(ctx context.Context, label string, owner common.Address, duration time.Duration) (*register.Flow, error) {
	return register.New(register.Config{
		Label:         label,
		Owner:         owner,
		Duration:      duration,
		Resolver:      common.HexToAddress(f.cfg.Contracts.Resolver),
		Controller:    f.reg,
		Receipts:      f.chain,
		Store:         f.store,
		Indexer:       f.data,
		Confirmations: f.cfg.Confirmations,
	})
}

func (f *flowFactory) Renewal(ctx context.Context, owner common.Address, domains []renew.Domain, duration time.Duration) (*renew.Flow, error) {
	return renew.New(renew.Config{
		Owner:         owner,
		Domains:       domains,
		Duration:      duration,
		Schedule:      f.schedule,
		Extender:      f.reg,
		Receipts:      f.chain,
		Feed:          f.data,
		Portfolio:     f.data,
		Confirmations: f.cfg.Confirmations,
	})
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.toml", "path to namemarketd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("namemarketd: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("NAMEMARKET_ENV"))
	logger := logging.SetupWithOptions("namemarketd", env, logging.Options{
		Path:       cfg.Log.Path,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "namemarketd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("namemarketd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	for key, target := range cfg.Contracts.Conduits {
		order.RegisterConduit(common.HexToHash(key), common.HexToAddress(target))
	}

	rpc, err := chain.Dial(cfg.ChainRPCURL)
	if err != nil {
		log.Fatalf("namemarketd: dial chain rpc: %v", err)
	}
	defer rpc.Close()
	chainClient := chain.NewClient(rpc)

	pass, err := passphrase.NewSource(cfg.PassphraseEnv).Get()
	if err != nil {
		log.Fatalf("namemarketd: resolve keystore passphrase: %v", err)
	}
	wal, err := wallet.Load(cfg.KeystorePath, pass, new(big.Int).SetUint64(cfg.ChainID), rpc)
	if err != nil {
		log.Fatalf("namemarketd: load wallet: %v", err)
	}
	logger.Info("wallet loaded", "address", wal.Address().Hex())

	store, err := storage.Open(cfg.StoragePath)
	if err != nil {
		log.Fatalf("namemarketd: open local storage: %v", err)
	}
	defer store.Close()

	db, err := marketdb.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("namemarketd: open market database: %v", err)
	}

	dataClient, err := api.New(api.Config{
		BaseURL: cfg.DataAPIBaseURL,
		APIKey:  os.Getenv("NAMEMARKET_DATA_API_KEY"),
	})
	if err != nil {
		log.Fatalf("namemarketd: data api client: %v", err)
	}

	schedule := registrar.DefaultSchedule()
	if path := strings.TrimSpace(cfg.PricingSchedulePath); path != "" {
		schedule, err = registrar.LoadSchedule(path)
		if err != nil {
			log.Fatalf("namemarketd: load pricing schedule: %v", err)
		}
	}
	reg := registrar.New(chainClient, wal,
		common.HexToAddress(cfg.Contracts.Registrar),
		common.HexToAddress(cfg.Contracts.Resolver),
		schedule)

	recordManager, err := records.NewManager(wal, common.HexToAddress(cfg.Contracts.Resolver))
	if err != nil {
		log.Fatalf("namemarketd: record manager: %v", err)
	}

	sessions := session.NewManager(session.Config{
		TTL:    cfg.Gateway.SessionTTL.Duration,
		Logger: logger,
	})

	srv, err := gateway.New(gateway.Config{
		Store:    db,
		Sessions: sessions,
		Flows: &flowFactory{
			cfg:      cfg,
			chain:    chainClient,
			wallet:   wal,
			reg:      reg,
			store:    store,
			data:     dataClient,
			schedule: schedule,
		},
		Records: recordManager,
		Auth: gateway.AuthConfig{
			HMACSecret: cfg.Gateway.AuthSecret,
			Issuer:     cfg.Gateway.AuthIssuer,
		},
		Limiter: gateway.NewRateLimiter(cfg.Gateway.RequestsPerMinute, cfg.Gateway.RateBurst),
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("namemarketd: gateway: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sessions.Run(rootCtx, time.Minute)
	go pruneCommitments(rootCtx, store, logger)

	if dir := strings.TrimSpace(cfg.ExportDir); dir != "" {
		exporter, err := exports.New(exports.Config{Source: db, OutputDir: dir, Logger: logger})
		if err != nil {
			log.Fatalf("namemarketd: exporter: %v", err)
		}
		go runNightlyExports(rootCtx, exporter, logger)
	}

	httpServer := &http.Server{
		Addr:              cfg.Gateway.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("gateway listening", "address", cfg.Gateway.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway server exited", "error", err.Error())
			stop()
		}
	}()

	<-rootCtx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err.Error())
	}
	logger.Info("namemarketd stopped")
}

// pruneCommitments drops abandoned commit-reveal state once a day. Anything
// older than a week is long past the controller's maximum commitment age.
func pruneCommitments(ctx context.Context, store *storage.Storage, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-7 * 24 * time.Hour)
			if err := store.PruneCommitments(ctx, cutoff); err != nil {
				logger.Warn("commitment prune failed", "error", err.Error())
			}
		}
	}
}

// runNightlyExports writes the previous day's activity snapshot shortly
// after each UTC midnight.
func runNightlyExports(ctx context.Context, exporter *exports.Exporter, logger *slog.Logger) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24*time.Hour + 5*time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}
		start := next.Truncate(24 * time.Hour).Add(-24 * time.Hour)
		end := start.Add(24 * time.Hour)
		if _, err := exporter.Run(ctx, start, end); err != nil {
			logger.Warn("nightly export failed", "error", err.Error())
		}
	}
}
