// Package api implements the HTTP surface of the scheduling service.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"scooproute/internal/auth"
	"scooproute/internal/config"
	"scooproute/internal/dispatch"
	"scooproute/internal/lock"
	"scooproute/internal/schedule"
	"scooproute/internal/store"
	"scooproute/internal/webhooks"
)

// Server holds the dependencies shared by every handler. All of them are
// built once in main and injected here.
type Server struct {
	Config       *config.Config
	Store        store.Store
	Logger       *slog.Logger
	Dispatch     *dispatch.Service
	Materializer *schedule.Materializer
	Lock         lock.Locker
	Auth         *auth.Verifier
	Broker       EventBroker
	Pub          *webhooks.Publisher
	limits       *orgLimiter
}

// Deps is everything NewServer needs. Store, Broker and Lock default to
// the in-memory implementations when nil.
type Deps struct {
	Config *config.Config
	Store  store.Store
	Logger *slog.Logger
	Lock   lock.Locker
	Broker EventBroker
}

func NewServer(d Deps) (*Server, error) {
	cfg := d.Config
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	pol, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	st := d.Store
	if st == nil {
		st = store.NewMemory()
	}
	s := &Server{
		Config: cfg,
		Store:  st,
		Logger: log,
		Lock:   d.Lock,
		Broker: d.Broker,
		Auth:   auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.HMACSecret, cfg.Auth.JWKSURL),
		Pub:    webhooks.NewPublisher(st, log),
		limits: newOrgLimiter(cfg.Rate.RPS, cfg.Rate.Burst),
	}
	if s.Lock == nil {
		s.Lock = lock.NewInMemoryLock()
	}
	if s.Broker == nil {
		s.Broker = NewBroker()
	}
	s.Dispatch = dispatch.NewService(s.Store, s, log)
	s.Materializer = &schedule.Materializer{
		Store:     s.Store,
		Policy:    pol,
		Location:  loc,
		Logger:    log,
		DaysAhead: cfg.Schedule.DaysAhead,
	}
	return s, nil
}

// Notify fans a stored change out to live route subscribers and to the
// organization's webhook endpoints.
func (s *Server) Notify(ctx context.Context, orgID, routeID, eventType string, data map[string]any) {
	if routeID != "" && s.Broker != nil {
		s.Broker.Publish(routeID, SSEEvent{Type: eventType, Data: data})
	}
	if s.Pub != nil {
		s.Pub.Emit(ctx, orgID, eventType, data)
	}
}

// NewWebhookWorker creates the background delivery worker for this server's store.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store, s.Config.Webhooks.MaxAttempts, s.Config.Webhooks.PollInterval, s.Logger)
}

// Handler builds the routed, instrumented handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Job generation trigger
	mux.HandleFunc("POST /v1/cron/generate-jobs", s.GenerateJobsHandler)
	mux.HandleFunc("GET /v1/cron/generate-jobs", s.GenerateJobsHandler)

	// Routes
	mux.HandleFunc("POST /v1/routes/optimize", s.OptimizeHandler)
	mux.HandleFunc("GET /v1/routes/optimize/preview", s.PreviewHandler)
	mux.HandleFunc("GET /v1/routes", s.RoutesIndexHandler)
	mux.HandleFunc("GET /v1/routes/{id}", s.GetRouteHandler)
	mux.HandleFunc("PATCH /v1/routes/{id}", s.PatchRouteHandler)
	mux.HandleFunc("DELETE /v1/routes/{id}", s.DeleteRouteHandler)
	mux.HandleFunc("POST /v1/routes/{id}/stops", s.AddStopHandler)
	mux.HandleFunc("DELETE /v1/routes/{id}/stops/{jobId}", s.RemoveStopHandler)
	mux.HandleFunc("GET /v1/routes/{id}/events/stream", s.RouteEventsStreamHandler)
	mux.HandleFunc("GET /v1/routes/{id}/events/ws", s.RouteEventsWSHandler)

	// Clients, locations, subscriptions, jobs
	mux.HandleFunc("POST /v1/clients", s.CreateClientHandler)
	mux.HandleFunc("GET /v1/clients", s.ListClientsHandler)
	mux.HandleFunc("PATCH /v1/clients/{id}", s.PatchClientHandler)
	mux.HandleFunc("POST /v1/clients/{id}/locations", s.CreateLocationHandler)
	mux.HandleFunc("PATCH /v1/locations/{id}", s.PatchLocationHandler)
	mux.HandleFunc("POST /v1/subscriptions", s.CreateSubscriptionHandler)
	mux.HandleFunc("GET /v1/subscriptions", s.ListSubscriptionsHandler)
	mux.HandleFunc("PATCH /v1/subscriptions/{id}", s.PatchSubscriptionHandler)
	mux.HandleFunc("POST /v1/jobs", s.CreateJobHandler)
	mux.HandleFunc("GET /v1/jobs", s.ListJobsHandler)
	mux.HandleFunc("PATCH /v1/jobs/{id}", s.PatchJobHandler)

	// Outbound webhooks
	mux.HandleFunc("POST /v1/webhooks", s.CreateWebhookHandler)
	mux.HandleFunc("GET /v1/webhooks", s.ListWebhooksHandler)
	mux.HandleFunc("DELETE /v1/webhooks/{id}", s.DeleteWebhookHandler)

	// Admin
	mux.HandleFunc("GET /v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
	mux.HandleFunc("POST /v1/admin/webhook-deliveries/{id}/retry", s.WebhookDeliveryRetryHandler)
	mux.HandleFunc("GET /v1/admin/routes/stats", s.RouteStatsHandler)

	// Health, metrics, docs
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", metricsHandler())
	mux.HandleFunc("GET /debug/info", s.DebugJSON)
	mux.HandleFunc("GET /openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("GET /openapi.json", s.OpenAPIJSONHandler)
	mux.HandleFunc("GET /docs", s.DocsHandler)

	return s.logMiddleware(s.rateLimit(mux))
}
