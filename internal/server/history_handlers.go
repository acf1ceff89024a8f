package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/transitops/opsadmin/internal/history"
	"github.com/transitops/opsadmin/internal/settings"
)

// defaultStatsWindowDays is used when stats are requested without ?days
const defaultStatsWindowDays = 30

const dateOnly = "2006-01-02"

type cleanupRequest struct {
	Days *int `json:"days"`
}

type cleanupResponse struct {
	DeletedCount int `json:"deletedCount"`
}

type healthResponse struct {
	Status          string `json:"status"`
	Uptime          string `json:"uptime"`
	SettingsVersion int64  `json:"settingsVersion"`
	HistoryBackend  string `json:"historyBackend"`
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r.URL.Query())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	page, err := s.history.Query(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, "", page)
}

func (s *Server) handleGetHistoryRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.history.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, "", record)
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	days := defaultStatsWindowDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeServiceError(w, r, invalidField("days", "days must be an integer"))
			return
		}
		days = n
	}

	stats, err := s.history.Stats(r.Context(), days)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, "", stats)
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	result, err := s.reverter.Revert(r.Context(), mux.Vars(r)["id"], s.origin(r, ""))
	if err != nil {
		s.metrics.SettingsWrite("revert", "error", nil)
		s.writeServiceError(w, r, err)
		return
	}
	var categories []string
	if result.Record != nil {
		categories = []string{result.Record.Category}
	}
	s.metrics.SettingsWrite("revert", "ok", categories)

	s.writeJSON(w, http.StatusOK, "Setting reverted", result)
}

func (s *Server) handleHistoryCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	days := s.config.History.RetentionDays
	if req.Days != nil {
		days = *req.Days
	}

	deleted, err := s.history.PurgeOlderThan(r.Context(), days)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	message := fmt.Sprintf("Deleted %d history records older than %d days", deleted, days)
	s.writeJSON(w, http.StatusOK, message, cleanupResponse{DeletedCount: deleted})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:          "ok",
		Uptime:          time.Since(s.startTime).Round(time.Second).String(),
		SettingsVersion: s.settings.Current().Version,
		HistoryBackend:  s.config.History.Backend,
	}
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.WithError(err).Error("Health check failed")
		resp.Status = "unavailable"
		s.writeJSON(w, http.StatusServiceUnavailable, "", resp)
		return
	}
	s.writeJSON(w, http.StatusOK, "", resp)
}

// parseHistoryFilter reads the list query parameters, collecting every
// invalid one
func parseHistoryFilter(q url.Values) (history.Filter, error) {
	verr := &settings.ValidationError{}
	filter := history.Filter{
		Category:   q.Get("category"),
		KeyPattern: q.Get("settingKey"),
		ActorID:    q.Get("userId"),
	}

	if v := q.Get("startDate"); v != "" {
		t, err := parseDate(v, false)
		if err != nil {
			verr.Add("startDate", "startDate must be RFC3339 or YYYY-MM-DD")
		}
		filter.StartDate = t
	}
	if v := q.Get("endDate"); v != "" {
		t, err := parseDate(v, true)
		if err != nil {
			verr.Add("endDate", "endDate must be RFC3339 or YYYY-MM-DD")
		}
		filter.EndDate = t
	}
	if !filter.StartDate.IsZero() && !filter.EndDate.IsZero() && filter.EndDate.Before(filter.StartDate) {
		verr.Add("endDate", "endDate must not be before startDate")
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			verr.Add("limit", "limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	if v := q.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			verr.Add("skip", "skip must be a non-negative integer")
		}
		filter.Skip = n
	}

	if err := verr.OrNil(); err != nil {
		return history.Filter{}, err
	}
	return filter, nil
}

// parseDate accepts RFC3339 or a calendar date in UTC. A calendar date used
// as an upper bound covers the whole day.
func parseDate(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateOnly, v)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}
