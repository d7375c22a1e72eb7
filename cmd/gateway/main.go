package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"aegisgate/pkg/approval"
	"aegisgate/pkg/audit"
	"aegisgate/pkg/guardrail"
	"aegisgate/pkg/hardening"
	"aegisgate/pkg/httpx"
	"aegisgate/pkg/metrics"
	"aegisgate/pkg/notify"
	"aegisgate/pkg/ratecost"
	"aegisgate/pkg/stream"
	"aegisgate/pkg/telemetry"
)

// Server wires the gate components behind the HTTP surface.
type Server struct {
	Engine       *guardrail.Engine
	Approvals    *approval.Registry
	Ledger       *audit.Ledger
	Metrics      *metrics.Registry
	Events       *stream.Hub
	AdminToken   string
	MaxBodyBytes int64
}

type gatewayListenFunc func(server *http.Server) error

var listenFn gatewayListenFunc = func(server *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sig:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func main() {
	if err := runGateway(listenFn, startCleanupLoop); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("gateway: %v", err)
	}
}

func runGateway(listen gatewayListenFunc, startLoops func(*Server) func()) error {
	ctx := context.Background()
	shutdownTracing, err := telemetry.Init(ctx, "aegisgate")
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "aegisgate",
		Environment:        env("ENVIRONMENT", ""),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseURL:        env("DATABASE_URL", ""),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		WebhookURL:         env("APPROVAL_WEBHOOK_URL", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		AdminToken:         env("ADMIN_TOKEN", ""),
	}); err != nil {
		return err
	}

	s, err := buildServer(ctx)
	if err != nil {
		return err
	}
	r := s.routes()

	var stopLoops func()
	if startLoops != nil {
		stopLoops = startLoops(s)
	}
	if stopLoops != nil {
		defer stopLoops()
	}

	addr := env("ADDR", ":8080")
	log.Printf("aegisgate listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("aegisgate"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "aegisgate"})
	})

	r.Post("/v1/check/input", s.handleCheckInput)
	r.Post("/v1/check/output", s.handleCheckOutput)
	r.Post("/v1/check/tool", s.handleCheckTool)
	r.Post("/v1/check/cost", s.handleCheckCost)

	r.Post("/v1/approvals", s.handleCreateApproval)
	r.Get("/v1/approvals", s.handleListApprovals)
	r.Get("/v1/approvals/stats", s.handleApprovalStats)
	r.Get("/v1/approvals/{request_id}", s.handleGetApproval)
	r.Post("/v1/approvals/{request_id}/respond", s.handleRespondApproval)
	r.Post("/v1/approvals/{request_id}/cancel", s.handleCancelApproval)
	r.Get("/v1/approvals/{request_id}/wait", s.handleWaitApproval)

	r.Get("/v1/stream", s.streamEvents)

	admin := chi.NewRouter()
	admin.Use(s.requireAdmin)
	admin.Get("/v1/rules", s.handleListRules)
	admin.Post("/v1/rules/{rule_name}/enable", s.handleEnableRule)
	admin.Post("/v1/rules/{rule_name}/disable", s.handleDisableRule)
	admin.Put("/v1/topics", s.handleSetTopics)
	admin.Get("/v1/tools/restricted", s.handleListRestrictedTools)
	admin.Put("/v1/tools/restricted/{tool_name}", s.handleRestrictTool)
	admin.Delete("/v1/tools/restricted/{tool_name}", s.handleUnrestrictTool)
	admin.Post("/v1/policies", s.handleAddPolicy)
	admin.Get("/v1/policies", s.handleListPolicies)
	admin.Delete("/v1/policies/{policy_name}", s.handleRemovePolicy)
	admin.Get("/v1/audit", s.handleAudit)
	admin.Get("/metrics", s.Metrics.Handler())
	admin.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Mount("/", admin)
	return r
}

func buildServer(ctx context.Context) (*Server, error) {
	events := stream.NewHub()
	ledger := audit.NewLedger(envInt("AUDIT_CAPACITY", audit.DefaultCapacity))
	ledger.Hub = events

	if dbURL := env("DATABASE_URL", ""); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return nil, err
		}
		ledger.Archiver = &audit.Writer{DB: pool}
	}

	window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	var limiter ratecost.Limiter
	var costs ratecost.CostTracker
	if addr := env("REDIS_ADDR", ""); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: env("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		})
		limiter = ratecost.NewRedisLimiter(client, window)
		costs = ratecost.NewRedisCosts(client)
	} else {
		limiter = ratecost.NewSliding(window)
		costs = ratecost.NewDailyCosts()
	}

	engine := guardrail.New(guardrail.Config{
		RateLimitPerWindow:  envInt("RATE_LIMIT_PER_WINDOW", 100),
		RateLimitWindow:     window,
		MaxTokensPerRequest: envInt("MAX_TOKENS_PER_REQUEST", 100000),
		MaxTokensPerDay:     int64(envInt("MAX_TOKENS_PER_DAY", 1000000)),
		RedactionToken:      env("REDACTION_TOKEN", ""),
	})
	engine.Limiter = limiter
	engine.Costs = costs
	engine.Ledger = ledger
	if err := engine.RegisterDefaults(); err != nil {
		return nil, err
	}
	if topics := splitList(env("ALLOWED_TOPICS", "")); len(topics) > 0 {
		engine.SetAllowedTopics(topics)
	}
	for _, tool := range splitList(env("RESTRICTED_TOOLS", "")) {
		engine.RestrictTool(tool, guardrail.SeverityHigh, true)
	}

	approvals := approval.NewRegistry()
	approvals.Ledger = ledger
	var notifiers notify.Multi
	if url := env("APPROVAL_WEBHOOK_URL", ""); url != "" {
		wh, err := notify.NewWebhook(url)
		if err != nil {
			return nil, err
		}
		wh.Client = telemetry.InstrumentClient(wh.Client)
		if token := env("APPROVAL_WEBHOOK_TOKEN", ""); token != "" {
			wh.Headers = map[string]string{"Authorization": "Bearer " + token}
		}
		notifiers = append(notifiers, wh)
	}
	if brokers := splitList(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		k, err := notify.NewKafka(notify.KafkaConfig{
			Brokers: brokers,
			Topic:   env("KAFKA_TOPIC", "aegisgate.approvals"),
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, k)
	}
	if len(notifiers) > 0 {
		approvals.Notifier = notifiers
	}

	return &Server{
		Engine:       engine,
		Approvals:    approvals,
		Ledger:       ledger,
		Metrics:      metrics.NewRegistry(),
		Events:       events,
		AdminToken:   env("ADMIN_TOKEN", ""),
		MaxBodyBytes: int64(envInt("MAX_BODY_BYTES", 1<<20)),
	}, nil
}

// startCleanupLoop runs the registry's expiry sweep; the registry itself
// never owns a timer.
func startCleanupLoop(s *Server) func() {
	interval := envDurationSec("APPROVAL_SWEEP_INTERVAL_SEC", 30)
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if n := s.Approvals.CleanupExpired(); n > 0 {
					log.Printf("expired %d approval requests", n)
					s.Metrics.SetGauge("approvals_pending", float64(s.Approvals.Stats().Pending))
				}
			}
		}
	}()
	return func() { close(stop) }
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got != s.AdminToken {
			httpx.Error(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func splitList(raw string) []string {
	out := []string{}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
