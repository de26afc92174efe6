package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"aegis/pkg/abac"
	"aegis/pkg/audit"
	"aegis/pkg/auth"
	"aegis/pkg/escalation"
	"aegis/pkg/evidence"
	"aegis/pkg/hardening"
	"aegis/pkg/httpx"
	"aegis/pkg/metrics"
	"aegis/pkg/models"
	"aegis/pkg/policy"
	"aegis/pkg/ratelimit"
	"aegis/pkg/store"
	"aegis/pkg/stream"
	"aegis/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Gate                *evidence.Gate
	Engine              *abac.Engine
	Store               evidence.Store
	Audit               audit.Logger
	Decisions           *store.DecisionCache
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Notifier            *escalation.Notifier
	RateLimiter         ratelimit.Limiter
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64
	MetricsInterval     time.Duration
}

type gatewayDBCloser interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	signingKey := env("AUDIT_SIGNING_KEY", "")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "AUDIT_SIGNING_KEY", Value: signingKey},
		},
	}); err != nil {
		return err
	}

	var signer auth.Signer = auth.PlainSigner{}
	if signingKey != "" {
		signer = auth.NewHMACSigner([]byte(signingKey))
	}

	cfg := policy.DefaultConfig()
	if path := env("POLICY_CONFIG_PATH", ""); path != "" {
		cfg, err = policy.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("policy config: %w", err)
		}
	}
	engine := abac.NewEngine(cfg)

	var auditLog audit.Logger
	switch backend := strings.ToLower(env("AUDIT_BACKEND", "postgres")); backend {
	case "memory":
		auditLog = audit.NewMemoryLogger(signer)
	case "postgres":
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		auditLog = &audit.Writer{
			DB:             pool,
			Signer:         signer,
			HashSalt:       []byte(env("AUDIT_HASH_SALT", "")),
			RedactSubjects: env("AUDIT_REDACT", "false") == "true",
		}
	default:
		return fmt.Errorf("unknown AUDIT_BACKEND %q", backend)
	}
	if brokers := splitCSV(env("AUDIT_KAFKA_BROKERS", "")); len(brokers) > 0 {
		emitter, err := audit.NewEmitter(auditLog, audit.EmitterConfig{
			Brokers: brokers,
			Topic:   env("AUDIT_KAFKA_TOPIC", "aegis.audit"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer emitter.Close()
		auditLog = emitter
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory store/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var evStore evidence.Store
	if redisClient != nil {
		evStore = evidence.NewRedisStore(redisClient, envDurationSec("EVIDENCE_TTL_SEC", 86400))
	} else {
		evStore = evidence.NewMemoryStore()
	}

	var decisions *store.DecisionCache
	if env("DECISION_CACHE_ENABLED", "true") == "true" {
		decisions = store.NewDecisionCache(store.NewCache(ctx, redisClient), envDurationSec("DECISION_CACHE_TTL_SEC", 300))
	}

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	var limiter ratelimit.Limiter
	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		if redisClient != nil {
			limiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			limiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	var notifier *escalation.Notifier
	if endpoint := env("ESCALATION_WEBHOOK_URL", ""); endpoint != "" {
		client := telemetry.InstrumentClient(&http.Client{
			Timeout: time.Millisecond * time.Duration(envInt("ESCALATION_TIMEOUT_MS", 3000)),
		})
		notifier = escalation.NewNotifier(endpoint, env("ESCALATION_WEBHOOK_TOKEN", ""), client)
	}

	s := &Server{
		Gate:                evidence.NewGate(engine, signer, evStore, auditLog),
		Engine:              engine,
		Store:               evStore,
		Audit:               auditLog,
		Decisions:           decisions,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Notifier:            notifier,
		RateLimiter:         limiter,
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		MetricsInterval:     envDurationSec("METRICS_INTERVAL_SEC", 30),
	}

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return fmt.Errorf("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(ratelimit.Middleware(s.RateLimiter, s.RateLimitPerMinute))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Post("/v1/access/validate", s.validateAccess)
	r.Post("/v1/evidence", s.generateEvidence)
	r.Post("/v1/evidence/verify-chain", s.verifyEvidenceChain)
	r.Post("/v1/security/scan", s.securityScan)
	r.Post("/v1/compliance/validate", s.validateCompliance)
	r.Get("/v1/evidence/{id}", s.getEvidence)
	r.Get("/v1/audit/{id}", s.getAuditEntry)
	r.Get("/v1/events", s.streamEvents)
	return r
}

func (s *Server) validateAccess(w http.ResponseWriter, r *http.Request) {
	var access models.AccessContext
	if err := httpx.DecodeJSON(w, r, s.MaxRequestBodyBytes, &access); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	if access.User.ID == "" || access.Resource.ID == "" || access.Action == "" {
		httpx.Error(w, 400, "user.id, resource.id and action required")
		return
	}
	if s.Decisions != nil && access.RequestID != "" {
		if cached, ok, err := s.Decisions.Get(r.Context(), access.RequestID); err == nil && ok {
			w.Header().Set("X-Decision-Cache", "hit")
			httpx.WriteJSON(w, 200, cached)
			return
		}
	}
	decision, err := s.Gate.ValidateAccess(r.Context(), access)
	if err != nil {
		httpx.Error(w, 500, "failed to record decision")
		return
	}
	s.Metrics.IncDecision(decision.Allowed)
	s.Events.Publish(stream.NewEvent(stream.TypeDecision, map[string]any{
		"requestId":  access.RequestID,
		"userId":     access.User.ID,
		"resourceId": access.Resource.ID,
		"action":     access.Action,
		"allowed":    decision.Allowed,
		"reason":     decision.Reason,
	}))
	if !decision.Allowed && decision.Violation != nil {
		s.Metrics.IncPolicyDenial(string(decision.Violation.Type))
		s.Events.Publish(stream.NewEvent(stream.TypeViolation, decision.Violation))
	}
	s.notifyEscalation(r.Context(), access, decision, "")
	if s.Decisions != nil && access.RequestID != "" {
		if err := s.Decisions.Put(r.Context(), access.RequestID, decision); err != nil {
			log.Printf("decision cache write failed: %v", err)
		}
	}
	httpx.WriteJSON(w, 200, decision)
}

type evidenceRequest struct {
	Access   models.AccessContext         `json:"access"`
	Decision *models.AccessDecisionResult `json:"decision,omitempty"`
}

func (s *Server) generateEvidence(w http.ResponseWriter, r *http.Request) {
	var req evidenceRequest
	if err := httpx.DecodeJSON(w, r, s.MaxRequestBodyBytes, &req); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	access := req.Access
	if access.User.ID == "" || access.Resource.ID == "" || access.Action == "" {
		httpx.Error(w, 400, "access.user.id, access.resource.id and access.action required")
		return
	}
	var decision models.AccessDecisionResult
	if req.Decision != nil {
		decision = *req.Decision
	} else {
		decision = s.Engine.CheckAccess(access)
	}
	record, err := s.Gate.GenerateEvidence(r.Context(), access, decision)
	if err != nil {
		httpx.Error(w, 500, "failed to generate evidence")
		return
	}
	s.Metrics.IncEvidenceRecord()
	s.Events.Publish(stream.NewEvent(stream.TypeEvidence, map[string]any{
		"evidenceId": record.ID,
		"userId":     record.UserID,
		"resourceId": record.ResourceID,
		"granted":    record.Granted,
	}))
	s.notifyEscalation(r.Context(), access, decision, record.ID)
	httpx.WriteJSON(w, 201, record.EvidenceRecord)
}

type verifyChainRequest struct {
	Chain []evidence.ChainLink `json:"chain"`
}

func (s *Server) verifyEvidenceChain(w http.ResponseWriter, r *http.Request) {
	var req verifyChainRequest
	if err := httpx.DecodeJSON(w, r, s.MaxRequestBodyBytes, &req); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	start := time.Now()
	result, err := s.Gate.VerifyEvidenceChain(r.Context(), req.Chain)
	if err != nil {
		httpx.Error(w, 500, "chain verification failed")
		return
	}
	s.Metrics.ObserveVerifyLatency(time.Since(start))
	s.Metrics.IncChainVerdict(result.Valid)
	httpx.WriteJSON(w, 200, result)
}

type scanRequest struct {
	Access models.AccessContext `json:"access"`
	Scan   abac.ScanInput       `json:"scan"`
}

func (s *Server) securityScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := httpx.DecodeJSON(w, r, s.MaxRequestBodyBytes, &req); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	if req.Access.User.ID == "" || req.Access.Resource.ID == "" {
		httpx.Error(w, 400, "access.user.id and access.resource.id required")
		return
	}
	result, err := s.Gate.PerformSecurityCheck(r.Context(), req.Access, req.Scan)
	if err != nil {
		httpx.Error(w, 500, "failed to record scan outcome")
		return
	}
	for _, flag := range result.Flags {
		s.Metrics.IncScanFlag(flag)
	}
	if result.Blocked {
		s.Events.Publish(stream.NewEvent(stream.TypeViolation, map[string]any{
			"userId":     req.Access.User.ID,
			"resourceId": req.Access.Resource.ID,
			"violation":  evidence.ViolationSecurity,
			"flags":      result.Flags,
		}))
	}
	httpx.WriteJSON(w, 200, result)
}

type complianceRequest struct {
	Access models.AccessContext            `json:"access"`
	Checks map[string]abac.ComplianceInput `json:"checks,omitempty"`
}

func (s *Server) validateCompliance(w http.ResponseWriter, r *http.Request) {
	var req complianceRequest
	if err := httpx.DecodeJSON(w, r, s.MaxRequestBodyBytes, &req); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	if req.Access.User.ID == "" {
		httpx.Error(w, 400, "access.user.id required")
		return
	}
	report := s.Engine.ValidateCompliance(req.Access, req.Checks)
	httpx.WriteJSON(w, 200, report)
}

func (s *Server) getEvidence(w http.ResponseWriter, r *http.Request) {
	record, err := s.Gate.Evidence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, evidence.ErrNotFound) {
			httpx.Error(w, 404, "evidence not found")
			return
		}
		httpx.Error(w, 500, "evidence lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, record)
}

func (s *Server) getAuditEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.Gate.AuditEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, evidence.ErrNotFound) {
			httpx.Error(w, 404, "audit entry not found")
			return
		}
		httpx.Error(w, 500, "audit lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, entry)
}

func (s *Server) notifyEscalation(ctx context.Context, access models.AccessContext, decision models.AccessDecisionResult, evidenceID string) {
	notice, ok := escalation.FromDecision(access, decision, evidenceID)
	if !ok {
		return
	}
	s.Metrics.IncEscalation()
	s.Events.Publish(stream.NewEvent(stream.TypeEscalation, notice))
	if s.Notifier == nil || !s.Notifier.Enabled() {
		return
	}
	if err := s.Notifier.Notify(ctx, notice); err != nil {
		log.Printf("escalation notify failed: %v", err)
	}
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitCSV(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) metricsLoop(ctx context.Context) {
	interval := s.MetricsInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			records, err := s.Store.ListEvidence(ctx)
			if err != nil {
				continue
			}
			s.Metrics.SetGauge("evidence_records", float64(len(records)))
			s.Metrics.SetGauge("stream_events_dropped", float64(s.Events.Dropped()))
		}
	}
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
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
