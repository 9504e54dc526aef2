package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/surveygate/surveygate/internal/config"
	"github.com/surveygate/surveygate/internal/logger"
	"github.com/surveygate/surveygate/internal/registry"
	"github.com/surveygate/surveygate/internal/session"
)

func newRouter(s *server) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS for the respondent widget.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Session-Token"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/api/session/start", s.handleSessionStart)
	r.Get("/api/captcha", s.withSession(s.handleCaptcha))
	r.Post("/api/captcha/verify", s.withSession(s.handleCaptchaVerify))
	r.Get("/api/trap", s.withSession(s.handleTrap))
	r.Post("/api/trap/answer", s.withSession(s.handleTrapAnswer))
	r.Post("/api/session/signals", s.withSession(s.handleSignals))
	r.Post("/api/session/navigation", s.withSession(s.handleNavigation))
	r.Get("/api/session/result", s.withSession(s.handleResult))

	return r
}

func main() {
	_ = godotenv.Load()

	srvCfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(srvCfg.LogLevel, srvCfg.LogFile)

	// Backend selection: Redis for multi-process deployments, SQLite for
	// single-node persistence, in-memory otherwise.
	var reg registry.Registry
	switch {
	case srvCfg.RedisURL != "":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		r, err := registry.OpenRedis(ctx, srvCfg.RedisURL)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("redis registry unavailable")
		}
		defer r.Close()
		reg = r
		log.Info().Msg("using redis registry")
	case srvCfg.SQLiteDSN != "":
		s, err := registry.OpenSQLite(srvCfg.SQLiteDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("sqlite registry unavailable")
		}
		reg = s
		log.Info().Str("dsn", srvCfg.SQLiteDSN).Msg("using sqlite registry")
	default:
		reg = registry.NewMemory()
		log.Warn().Msg("no store configured, using in-memory registry")
	}

	manager := session.NewManager(srvCfg.SecretKey, reg, log)
	s := newServer(manager, config.Default(), log)
	r := newRouter(s)

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(srvCfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", srvCfg.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	// Finalize live sessions and flush pending registry writes.
	manager.Shutdown()
}
