package api

import (
	"context"
	"net/http"
	"stashbin/cfg"
	"stashbin/metrics"
	"stashbin/pkg/domain"
	"stashbin/svc/lim"
	"stashbin/svc/svc"
	"stashbin/svc/util"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// Pinger is anything /ready can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the backends reported by /ready. Cache may be nil.
type Deps struct {
	Store Pinger
	Blobs Pinger
	Cache Pinger
}

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	deps       Deps
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, p *svc.Paste, l *lim.Limiter, deps Deps) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c)
	s := &Server{router: r, cfg: c, deps: deps}
	presets, err := domain.ParsePresets(c.ExpiryPresets)
	if err != nil {
		util.Warn().Err(err).Msg("invalid expiry presets, using defaults")
		presets = domain.DefaultPresets()
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.Environment != "production" {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.RequestID)
		r.Use(mw.Recoverer)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			route := chi.RouteContext(req.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			metrics.RequestDuration.WithLabelValues(req.Method, route, strconv.Itoa(status)).Observe(dur.Seconds())
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("route", route).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		hdl := &Hdl{paste: p, cfg: c, presets: presets}
		r.With(mw.RateLimit("create")).Post("/pastes", hdl.CreatePaste)
		r.With(mw.RateLimit("read")).Get("/pastes/{id}", hdl.GetPaste)
		r.With(mw.RateLimit("delete")).Delete("/pastes/{id}", hdl.DeletePaste)
		r.With(mw.RateLimit("read")).Get("/config/presets", hdl.GetPresets)
	})

	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
