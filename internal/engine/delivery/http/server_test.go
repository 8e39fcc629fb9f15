package http

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpw-signal-engine/internal/engine/config"
	"gpw-signal-engine/internal/engine/marketcalendar"
	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/internal/entity"
	"gpw-signal-engine/pkg/logger"
	"gpw-signal-engine/pkg/utils"
)

type fakeScheduleRepo struct {
	repository.ScheduleRepository
	executions []entity.ScheduleExecution
}

func (f *fakeScheduleRepo) ListRecentExecutions(_ context.Context, limit int) ([]entity.ScheduleExecution, error) {
	if len(f.executions) > limit {
		return f.executions[:limit], nil
	}
	return f.executions, nil
}

func newTestServer(repo repository.ScheduleRepository) *Server {
	cfg := &config.Config{SignalProfile: config.ProfileBalanced}
	cfg.App.Name = "gpw-signal-engine"
	cfg.App.Version = "1.0.0"
	now := time.Date(2025, time.June, 2, 10, 0, 0, 0, utils.WarsawLocation())
	cal := marketcalendar.New(marketcalendar.FixedClock{T: now}, "09:00", "17:00", nil)
	return NewServer(cfg, logger.NewNop(), cal, repo)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(&fakeScheduleRepo{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusEndpoint(t *testing.T) {
	started := time.Date(2025, time.June, 2, 7, 30, 0, 0, time.UTC)
	repo := &fakeScheduleRepo{executions: []entity.ScheduleExecution{
		{
			Kind:           entity.ScheduleKindPrice,
			Status:         entity.StatusCompleted,
			StartedAt:      started,
			CompletedAt:    sql.NullTime{Time: started.Add(10 * time.Second), Valid: true},
			ItemsProcessed: 120,
		},
		{
			Kind:      entity.ScheduleKindNews,
			Status:    entity.StatusFailed,
			StartedAt: started,
			ErrorKind: "transient_external",
		},
	}}
	s := newTestServer(repo)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "gpw-signal-engine", body.App)
	assert.True(t, body.TradingDay)
	assert.True(t, body.InSession)
	require.Len(t, body.RecentExecutions, 2)
	assert.Equal(t, "price", body.RecentExecutions[0].Kind)
	assert.NotNil(t, body.RecentExecutions[0].CompletedAt)
	assert.Equal(t, "transient_external", body.RecentExecutions[1].ErrorKind)
	assert.Nil(t, body.RecentExecutions[1].CompletedAt)
}
