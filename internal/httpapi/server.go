// Package httpapi serves the health and stats endpoints.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"XUI-Telegram-bot/internal/admin"
	"XUI-Telegram-bot/internal/logger"
	"XUI-Telegram-bot/internal/services"
)

// StatusSource отдаёт последнее известное состояние панели.
type StatusSource interface {
	Status() services.PanelStatus
}

type Deps struct {
	DB          *gorm.DB
	Panel       StatusSource
	Maintenance func() bool
}

type Server struct {
	httpServer *http.Server
	log        *zap.Logger
}

type statsResponse struct {
	admin.Stats
	Maintenance bool                  `json:"maintenance"`
	Panel       *services.PanelStatus `json:"panel,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewRouter(d Deps) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, errorResponse{Error: "Requested resource not found"})
	})

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := d.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			render.Status(r, http.StatusServiceUnavailable)
			render.PlainText(w, r, "db unavailable")
			return
		}
		render.PlainText(w, r, "ok")
	})

	router.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		resp := statsResponse{Stats: admin.CollectStats(d.DB.WithContext(r.Context()), time.Now())}
		if d.Maintenance != nil {
			resp.Maintenance = d.Maintenance()
		}
		if d.Panel != nil {
			st := d.Panel.Status()
			resp.Panel = &st
		}
		render.JSON(w, r, resp)
	})
	return router
}

func New(addr string, d Deps) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(d),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: logger.L("httpapi"),
	}
}

// Start блокируется до остановки сервера.
func (s *Server) Start() error {
	s.log.Info("starting http server", zap.String("address", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
