package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"kanban-live/internal/authz"
	"kanban-live/internal/board"
	"kanban-live/internal/db"
	"kanban-live/internal/observability"
	"kanban-live/internal/realtime"
	"kanban-live/internal/session"
	"kanban-live/internal/task"
	"kanban-live/internal/token"
	"kanban-live/internal/user"
)

// Deps is everything Routes needs to assemble the HTTP surface. Tests
// supply in-memory stores; Build wires the postgres repositories.
type Deps struct {
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Codec    *token.Codec

	Users   session.UserStore
	Boards  board.Store
	Members authz.MembershipStore
	Tasks   task.Store

	LoginLimiter *session.LoginRateLimiter

	// Ping reports backend health; nil means always healthy.
	Ping func(ctx context.Context) error

	Secure    bool
	Debug     bool
	WSOrigins []string
}

func Routes(deps Deps) http.Handler {
	sessions := session.NewService(deps.Users, deps.Codec)
	engine := authz.NewEngine(deps.Members)

	sessionHandler := session.NewHandler(sessions, deps.Secure, deps.Debug)
	boardHandler := board.NewHandler(deps.Boards, deps.Users, engine)
	taskHandler := task.NewHandler(deps.Tasks, engine)

	hub := realtime.NewHub(deps.Logger, deps.Metrics)
	gateway := realtime.NewGateway(sessions, engine, hub, deps.Logger, deps.Metrics, deps.WSOrigins)

	authed := func(h http.HandlerFunc) http.Handler {
		return session.Middleware(sessions, deps.Metrics, deps.Logger, h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", sessionHandler.Register)
	mux.Handle("POST /login", deps.LoginLimiter.Middleware(http.HandlerFunc(sessionHandler.Login)))
	mux.HandleFunc("POST /refresh", sessionHandler.Refresh)
	mux.Handle("POST /logout", authed(sessionHandler.Logout))
	mux.Handle("GET /user", authed(sessionHandler.Me))

	mux.Handle("GET /boards", authed(boardHandler.List))
	mux.Handle("POST /boards", authed(boardHandler.Create))
	mux.Handle("PUT /boards/{id}", authed(boardHandler.Update))
	mux.Handle("DELETE /boards/{id}", authed(boardHandler.Delete))
	mux.Handle("GET /boards/{id}/members", authed(boardHandler.ListMembers))
	mux.Handle("POST /boards/{id}/members", authed(boardHandler.AddMember))
	mux.Handle("PUT /boards/{id}/members/{userID}", authed(boardHandler.UpdateMemberRole))
	mux.Handle("DELETE /boards/{id}/members/{userID}", authed(boardHandler.RemoveMember))

	mux.Handle("GET /boards/{id}/tasks", authed(taskHandler.List))
	mux.Handle("POST /boards/{id}/tasks", authed(taskHandler.Create))
	mux.Handle("PUT /tasks/{id}", authed(taskHandler.Update))
	mux.Handle("DELETE /tasks/{id}", authed(taskHandler.Delete))

	mux.Handle("GET /ws", gateway)

	mux.HandleFunc("GET /health", healthHandler(deps.Ping))
	if deps.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	return observability.RecoverMiddleware(deps.Logger,
		observability.RequestLoggingMiddleware(deps.Logger, mux))
}

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Logger  *zap.Logger
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	environment := envOrDefault("APP_ENV", "development")

	logger, err := observability.NewLogger(environment)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	accessSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	refreshSecret, err := mustEnv("JWT_REFRESH_SECRET")
	if err != nil {
		return nil, err
	}
	csrfSecret, err := mustEnv("JWT_CSRF_SECRET")
	if err != nil {
		return nil, err
	}

	codec, err := token.NewCodec(
		accessSecret, refreshSecret, csrfSecret,
		envMinutesOrDefault("ACCESS_TOKEN_EXPIRY_MINUTES", 15),
		envDaysOrDefault("REFRESH_TOKEN_EXPIRY_DAYS", 7),
	)
	if err != nil {
		return nil, fmt.Errorf("init token codec: %w", err)
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), environment); err != nil {
		logger.Error("init sentry failed", zap.Error(err))
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.Migrate(context.Background(), database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	boardRepo := board.NewRepository(database)

	handler := Routes(Deps{
		Logger:   logger,
		Metrics:  metrics,
		Registry: registry,
		Codec:    codec,
		Users:    user.NewRepository(database),
		Boards:   boardRepo,
		Members:  boardRepo,
		Tasks:    task.NewRepository(database),
		LoginLimiter: session.NewLoginRateLimiter(
			envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
			envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
		),
		Ping:      database.PingContext,
		Secure:    environment == "production",
		Debug:     envBoolOrDefault("APP_DEBUG", environment != "production"),
		WSOrigins: splitCSV(os.Getenv("WS_ALLOWED_ORIGINS")),
	})

	return &Runtime{
		Handler: handler,
		Logger:  logger,
		Close: func() error {
			observability.FlushSentry()
			_ = logger.Sync()
			return database.Close()
		},
	}, nil
}

func healthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if ping != nil && ping(ctx) != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func envBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
