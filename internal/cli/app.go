package cli

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"

	"donationcore/internal/adapters/webhook"
	"donationcore/internal/blob"
	"donationcore/internal/campaign"
	"donationcore/internal/checkout"
	"donationcore/internal/config"
	"donationcore/internal/core"
	"donationcore/internal/email"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// App holds the wired components of a running donationcore process.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Store   core.PersistentStore
	Service *core.Service
	// Handler serves the webhook, health and metrics routes.
	Handler http.Handler
	// Transport is the configured outbound email transport, before rate limiting.
	Transport email.Transport

	closers []func(context.Context) error
}

// appOptions lets callers substitute pieces of the wiring.
type appOptions struct {
	tracer    core.Tracer
	transport email.Transport
}

// AppOption customizes BuildApp.
type AppOption func(*appOptions)

// withTracer overrides the tracer selected by configuration.
func withTracer(t core.Tracer) AppOption {
	return func(o *appOptions) { o.tracer = t }
}

// withTransport overrides the configured email transport.
func withTransport(t email.Transport) AppOption {
	return func(o *appOptions) { o.transport = t }
}

// BuildApp opens the store and wires every component named in cfg. On error
// everything opened so far is released.
func BuildApp(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...AppOption) (_ *App, err error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}
	app := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	store, err := core.OpenStore(ctx, cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	app.Store = store
	app.closers = append(app.closers, func(context.Context) error { return store.Close() })
	logger.Info("store ready", "driver", cfg.Storage.Driver)

	transport := o.transport
	if transport == nil {
		if transport, err = buildTransport(cfg.Email, logger); err != nil {
			return nil, err
		}
	}
	app.Transport = transport
	if cfg.Email.RatePerSecond > 0 {
		transport = email.NewRateLimitedTransport(transport, cfg.Email.RatePerSecond, cfg.Email.Burst)
	}
	dispatcher := email.NewDispatcher(store, transport,
		email.WithLogger(logger),
		email.WithDefaultLocale(cfg.Email.DefaultLocale),
		email.WithFrom(cfg.Email.From),
	)
	receipts := email.NewReceipts(store, dispatcher, email.WithReceiptsLogger(logger))

	dedup := app.buildDedup(cfg.Dedup, logger)

	metrics, metricsHandler, err := buildMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	tracer := o.tracer
	if tracer == nil && cfg.Tracing.Enabled {
		tracer = app.buildTracer(cfg.Tracing)
	}

	app.Service = core.NewService(store,
		core.WithLogger(logger),
		core.WithAuditRecorder(core.LogAuditRecorder{Logger: logger}),
		core.WithMetricsRecorder(metrics),
		core.WithTracer(tracer),
		core.WithDedupCache(dedup),
		core.WithReceiptSender(receipts),
		core.WithCampaignResolver(campaign.NewResolver(store.Campaigns(), campaign.WithLogger(logger))),
	)

	handlerOpts := []webhook.Option{
		webhook.WithLogger(logger),
		webhook.WithProcessingTimeout(cfg.HTTP.ProcessingTimeout),
		webhook.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
	}
	if metricsHandler != nil {
		handlerOpts = append(handlerOpts, webhook.WithMetricsHandler(metricsHandler))
	}
	if cfg.Blob.Archive {
		archive, err := blob.Open(ctx, cfg.Blob)
		if err != nil {
			return nil, fmt.Errorf("open blob archive: %w", err)
		}
		logger.Info("webhook archive enabled", "driver", archive.Driver())
		handlerOpts = append(handlerOpts, webhook.WithArchiver(webhook.NewArchiver(archive)))
	}
	verifier := webhook.StripeVerifier{Secret: cfg.Stripe.WebhookSecret, Tolerance: cfg.Stripe.Tolerance}
	if cfg.Stripe.WebhookSecret == "" {
		logger.Warn("stripe webhook secret not configured; every delivery will fail verification")
	}
	app.Handler = webhook.NewHandler(app.Service, verifier, handlerOpts...)
	return app, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func buildTransport(cfg config.EmailConfig, logger *slog.Logger) (email.Transport, error) {
	switch cfg.Transport {
	case "http":
		t, err := email.NewHTTPTransport(email.HTTPTransportConfig{
			Endpoint:   cfg.Endpoint,
			APIKey:     cfg.APIKey,
			From:       cfg.From,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("email transport: %w", err)
		}
		return t, nil
	case "memory":
		return email.NewMemoryTransport(), nil
	case "", "log":
		return email.LogTransport{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown email transport %s", cfg.Transport)
	}
}

func (a *App) buildDedup(cfg config.DedupConfig, logger *slog.Logger) checkout.DedupCache {
	if cfg.Backend == "redis" {
		client := checkout.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		logger.Info("redis dedup cache enabled", "addr", cfg.RedisAddr)
		return checkout.NewRedisDedupCache(client, cfg.RedisPrefix, cfg.TTL, logger)
	}
	return checkout.NewMemoryDedupCache(checkout.WithCapacity(cfg.Capacity), checkout.WithTTL(cfg.TTL))
}

func buildMetrics(cfg config.MetricsConfig) (core.MetricsRecorder, http.Handler, error) {
	switch cfg.Backend {
	case "prometheus":
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		recorder, err := core.NewPrometheusMetricsRecorder(reg)
		if err != nil {
			return nil, nil, fmt.Errorf("register metrics: %w", err)
		}
		return recorder, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}), nil
	case "expvar":
		return core.NewExpvarMetricsRecorder(""), expvar.Handler(), nil
	default:
		return nil, nil, nil
	}
}

func (a *App) buildTracer(cfg config.TracingConfig) core.Tracer {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	a.closers = append(a.closers, provider.Shutdown)
	return core.NewOTelTracer(provider.Tracer(cfg.ServiceName))
}
