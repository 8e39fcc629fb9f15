// Package http exposes the engine's operational surface: liveness and a
// status view over the current session and recent schedule executions.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"gpw-signal-engine/internal/engine/config"
	"gpw-signal-engine/internal/engine/marketcalendar"
	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/pkg/logger"
)

const recentExecutionsLimit = 20

// Server is the operational HTTP endpoint.
type Server struct {
	echo         *echo.Echo
	cfg          *config.Config
	log          *logger.Logger
	calendar     *marketcalendar.Calendar
	scheduleRepo repository.ScheduleRepository
}

func NewServer(cfg *config.Config, log *logger.Logger, calendar *marketcalendar.Calendar, scheduleRepo repository.ScheduleRepository) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:         e,
		cfg:          cfg,
		log:          log,
		calendar:     calendar,
		scheduleRepo: scheduleRepo,
	}
	e.GET("/health", s.handleHealth)
	e.GET("/status", s.handleStatus)
	return s
}

// Start blocks serving until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.API.Host, s.cfg.API.Port)
	s.log.Info("Status endpoint listening", logger.StringField("addr", addr))
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the operator status view.
type statusResponse struct {
	App              string               `json:"app"`
	Version          string               `json:"version"`
	Now              time.Time            `json:"now"`
	LocalNow         string               `json:"local_now"`
	TradingDay       bool                 `json:"trading_day"`
	InSession        bool                 `json:"in_session"`
	SessionOpen      time.Time            `json:"session_open"`
	SessionClose     time.Time            `json:"session_close"`
	SignalProfile    string               `json:"signal_profile"`
	RecentExecutions []executionSummary   `json:"recent_executions"`
}

type executionSummary struct {
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Items       int        `json:"items"`
	ErrorKind   string     `json:"error_kind,omitempty"`
}

func (s *Server) handleStatus(c echo.Context) error {
	now := s.calendar.Now()
	session := s.calendar.CurrentSession()

	executions, err := s.scheduleRepo.ListRecentExecutions(c.Request().Context(), recentExecutionsLimit)
	if err != nil {
		s.log.Error("Failed to list recent executions", logger.ErrorField(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load executions")
	}

	summaries := make([]executionSummary, 0, len(executions))
	for _, e := range executions {
		summary := executionSummary{
			Kind:      string(e.Kind),
			Status:    e.Status,
			StartedAt: e.StartedAt,
			Items:     e.ItemsProcessed,
			ErrorKind: e.ErrorKind,
		}
		if e.CompletedAt.Valid {
			t := e.CompletedAt.Time
			summary.CompletedAt = &t
		}
		summaries = append(summaries, summary)
	}

	return c.JSON(http.StatusOK, statusResponse{
		App:              s.cfg.App.Name,
		Version:          s.cfg.App.Version,
		Now:              now,
		LocalNow:         s.calendar.LocalNow().Format(time.RFC3339),
		TradingDay:       session.IsTradingDay,
		InSession:        s.calendar.IsInSession(now),
		SessionOpen:      session.OpenTime,
		SessionClose:     session.CloseTime,
		SignalProfile:    s.cfg.SignalProfile,
		RecentExecutions: summaries,
	})
}
