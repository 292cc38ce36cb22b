// Command custodyd runs the custody core daemon: the Key Registry,
// Ephemeral Key Manager, Approval Engine, and Ledger Submitter wired
// together behind the HTTP API, following the bootstrap shape of
// services/payoutd's Main (config load, telemetry init, component wiring,
// signal-driven graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"custodycore/internal/apiserver"
	"custodycore/internal/approval"
	"custodycore/internal/custodyconfig"
	"custodycore/internal/ephemeral"
	"custodycore/internal/events"
	"custodycore/internal/hsmgateway"
	"custodycore/internal/keyregistry"
	"custodycore/internal/ledgersubmit"
	"custodycore/internal/notify"
	"custodycore/internal/observability"
	telemetry "custodycore/internal/observability/otel"
	"custodycore/internal/observability/logging"
	"custodycore/internal/secretseal"
	"custodycore/internal/totp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/custodyd.yaml", "path to custodyd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CUSTODY_ENV"))
	logger := logging.Setup("custodyd", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))

	cfg, err := custodyconfig.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "custodyd",
		Environment: env,
		Endpoint:    firstNonEmpty(otlpEndpoint, cfg.Telemetry.OTLPEndpoint),
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     otlpHeaders,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	hsm, err := buildHSM(cfg.HSM)
	if err != nil {
		return fmt.Errorf("build hsm gateway: %w", err)
	}

	registry := keyregistry.New(db, hsm)
	ephManager := ephemeral.New(db, hsm, registry,
		ephemeral.WithTTL(cfg.EphemeralTTL.Duration),
		ephemeral.WithMetrics(observability.NewEphemeralAdapter()),
	)
	auth := totp.New(cfg.UsedResponseSetWindowTTL.Duration,
		totp.WithMaxConsecutiveFailures(cfg.AuthnLockoutThreshold),
	)

	submitter, err := buildLedgerSubmitter(cfg)
	if err != nil {
		return fmt.Errorf("build ledger submitter: %w", err)
	}

	sealer, err := buildSealer()
	if err != nil {
		return fmt.Errorf("build secret sealer: %w", err)
	}

	engine := approval.New(db, registry, ephManager, hsm, auth, submitter,
		approval.WithEmitter(events.MultiEmitter{Emitters: []events.Emitter{
			newMetricsEmitter(logger),
			events.NewPostgresEmitter(db, logger),
		}}),
		approval.WithChallengeTTL(cfg.ChallengeTTL.Duration),
		approval.WithNotifier(notify.NewWebhookNotifier()),
		approval.WithApprovalBaseURL(cfg.ApprovalBaseURL),
		approval.WithMaxInflightPerTenant(cfg.MaxInflightPerTenant),
	)

	opAuth, err := apiserver.NewAuthenticator(apiserver.AuthConfig{BearerToken: cfg.Admin.BearerToken, AllowMTLS: cfg.Admin.MTLS.Enabled})
	if err != nil {
		return fmt.Errorf("build operator authenticator: %w", err)
	}
	apprAuth, err := apiserver.NewAuthenticator(apiserver.AuthConfig{BearerToken: cfg.Admin.BearerToken, AllowMTLS: cfg.Admin.MTLS.Enabled})
	if err != nil {
		return fmt.Errorf("build approver authenticator: %w", err)
	}

	srv := apiserver.New(apiserver.Config{
		DB:           db,
		Registry:     registry,
		Ephemeral:    ephManager,
		Engine:       engine,
		Auth:         auth,
		Sealer:       sealer,
		OperatorAuth: opAuth,
		ApproverAuth: apprAuth,
		Logger:       logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweepDone := runSweepLoop(stopCtx, logger, ephManager, engine)
	defer func() { <-sweepDone }()

	errs := make(chan error, 1)
	go func() {
		logger.Info("custodyd listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func migrate(db *gorm.DB) error {
	if err := keyregistry.AutoMigrate(db); err != nil {
		return err
	}
	if err := ephemeral.AutoMigrate(db); err != nil {
		return err
	}
	if err := approval.AutoMigrate(db); err != nil {
		return err
	}
	return events.AutoMigrate(db)
}

func buildHSM(cfg custodyconfig.HSMConfig) (hsmgateway.Gateway, error) {
	switch cfg.Mode {
	case "remote":
		return hsmgateway.NewRemoteClient(hsmgateway.RemoteConfig{
			BaseURL:    cfg.BaseURL,
			CACertPath: cfg.CACertPath,
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
			Timeout:    cfg.Timeout.Duration,
		})
	default:
		return hsmgateway.NewFake(hsmgateway.WithMetrics(observability.HSM())), nil
	}
}

// buildLedgerSubmitter wires the Stellar Horizon client behind the narrow
// HorizonClient interface internal/ledgersubmit depends on, and only
// attaches a FriendbotFunder when the configured network passphrase is a
// known test network, per ledgersubmit/friendbot.go's production warning.
func buildLedgerSubmitter(cfg custodyconfig.Config) (*ledgersubmit.Submitter, error) {
	client := &horizonclient.Client{HorizonURL: cfg.Ledger.HorizonURL}
	adapter := ledgersubmit.NewHorizonAdapter(client)

	subCfg := ledgersubmit.DefaultConfig()
	subCfg.NetworkPassphrase = cfg.NetworkPassphrase
	if cfg.Ledger.BaseFeeStroops > 0 {
		subCfg.BaseFeeStroops = cfg.Ledger.BaseFeeStroops
	}
	if cfg.Ledger.SubmitRetries > 0 {
		subCfg.MaxAttempts = cfg.Ledger.SubmitRetries
	}
	if cfg.Ledger.SubmitBackoff.Duration > 0 {
		subCfg.InitialBackoff = cfg.Ledger.SubmitBackoff.Duration
	}

	opts := []ledgersubmit.Option{ledgersubmit.WithMetrics(observability.NewLedgerAdapter())}
	if isTestNetwork(cfg.NetworkPassphrase) && cfg.Ledger.FriendbotURL != "" {
		opts = append(opts, ledgersubmit.WithFunder(&ledgersubmit.FriendbotFunder{Client: client}))
	}

	return ledgersubmit.New(adapter, subCfg, opts...), nil
}

func isTestNetwork(passphrase string) bool {
	return strings.Contains(strings.ToLower(passphrase), "test")
}

// buildSealer loads the 32-byte master key used to encrypt approver TOTP
// seeds at rest from CUSTODY_SEAL_KEY (hex-encoded), the same
// environment-variable secret-resolution style custodyconfig uses for
// database and bearer-token secrets.
func buildSealer() (*secretseal.Sealer, error) {
	raw := strings.TrimSpace(os.Getenv("CUSTODY_SEAL_KEY"))
	if raw == "" {
		return nil, fmt.Errorf("CUSTODY_SEAL_KEY must be set to a 32-byte hex-encoded key")
	}
	key, err := decodeHexKey(raw)
	if err != nil {
		return nil, err
	}
	return secretseal.New(key)
}

func decodeHexKey(raw string) ([]byte, error) {
	key := make([]byte, len(raw)/2)
	if _, err := fmt.Sscanf(raw, "%x", &key); err != nil || len(key) != 32 {
		return nil, fmt.Errorf("CUSTODY_SEAL_KEY must decode to exactly 32 bytes")
	}
	return key, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// runSweepLoop periodically sweeps expired ephemeral keys and cancels
// expired intents, the housekeeping counterpart to payoutd's poll loop.
func runSweepLoop(ctx context.Context, logger *slog.Logger, eph *ephemeral.Manager, engine *approval.Engine) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := eph.ExpireSweep(ctx); err != nil {
					logger.Error("ephemeral sweep failed", slog.String("error", err.Error()))
				} else if n > 0 {
					logger.Info("ephemeral sweep", slog.Int("expired", n))
				}
				if n, err := engine.CancelExpired(ctx); err != nil {
					logger.Error("intent sweep failed", slog.String("error", err.Error()))
				} else if n > 0 {
					logger.Info("intent sweep", slog.Int("cancelled", n))
				}
			}
		}
	}()
	return done
}

// metricsEmitter forwards audit events into Prometheus counters, the way
// the admin-facing audit trail and the metrics registry are kept separate
// concerns fed by the same stream of events.
type metricsEmitter struct {
	metrics *observability.ApprovalMetrics
	logger  *slog.Logger
}

func newMetricsEmitter(logger *slog.Logger) events.Emitter {
	return &metricsEmitter{metrics: observability.Approval(), logger: logger}
}

func (m *metricsEmitter) Emit(_ context.Context, event events.Event) {
	switch event.Kind {
	case events.KindAuthnFailed:
		m.metrics.RecordAuthnFailure(event.Reason)
	case events.KindIntentTransitioned:
		m.metrics.RecordTransition("awaiting_approval", event.Reason)
	}
	m.logger.Info("audit event",
		slog.String("kind", string(event.Kind)),
		slog.String("intent_id", event.IntentID),
		slog.String("approver_id", event.ApproverID),
		slog.String("reason", event.Reason),
	)
}
