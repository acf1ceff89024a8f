package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/transitops/opsadmin/internal/alerts"
	"github.com/transitops/opsadmin/internal/auth"
	"github.com/transitops/opsadmin/internal/settings"
)

type settingResponse struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value"`
	Changed *bool           `json:"changed,omitempty"`
}

type bulkUpdateResponse struct {
	Settings    settings.Document `json:"settings"`
	ChangedKeys []string          `json:"changedKeys"`
}

// origin describes the request for history records and alerts
func (s *Server) origin(r *http.Request, reason string) alerts.Origin {
	return alerts.Origin{
		ActorID:   auth.GetUserIDFromContext(r.Context()),
		Reason:    reason,
		IPAddress: s.clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// recordWrite updates write metrics for a settings operation
func (s *Server) recordWrite(operation string, rev *settings.Revision, err error) {
	var verr *settings.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, settings.ErrEmptyUpdate):
		s.metrics.SettingsWrite(operation, "invalid", nil)
	case err != nil:
		s.metrics.SettingsWrite(operation, "error", nil)
	case !rev.Changed():
		s.metrics.SettingsWrite(operation, "unchanged", nil)
	default:
		categories := make([]string, 0, len(rev.Changes))
		for _, c := range rev.Changes {
			categories = append(categories, string(c.Category))
		}
		s.metrics.SettingsWrite(operation, "ok", categories)
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, "", s.settings.Current())
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	value, err := s.settings.GetSetting(key)
	if err != nil {
		if errors.Is(err, settings.ErrUnknownKey) {
			s.writeError(w, "Setting not found", http.StatusNotFound)
			return
		}
		s.writeServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, "", settingResponse{Key: key, Value: value})
}

func (s *Server) handleUpdateSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var req settings.UpdateRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if len(req.Value) == 0 {
		s.writeServiceError(w, r, invalidField("value", "Value is required"))
		return
	}
	var value interface{}
	if err := json.Unmarshal(req.Value, &value); err != nil {
		s.writeServiceError(w, r, invalidField("value", "Value must be valid JSON"))
		return
	}

	rev, err := s.settings.UpdateSetting(r.Context(), key, value, auth.GetUserIDFromContext(r.Context()))
	s.recordWrite("update", rev, err)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.recorder.Commit(rev, s.origin(r, req.Reason))

	current, err := rev.After.Lookup(key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	changed := rev.Changed()
	message := "Setting updated"
	if !changed {
		message = "Setting unchanged"
	}
	s.writeJSON(w, http.StatusOK, message, settingResponse{Key: key, Value: current, Changed: &changed})
}

func (s *Server) handleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	if err := decodeBody(r, &body, false); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	var reason string
	if raw, ok := body["reason"]; ok {
		if err := json.Unmarshal(raw, &reason); err != nil {
			s.writeServiceError(w, r, invalidField("reason", "Reason must be a string"))
			return
		}
		delete(body, "reason")
	}

	updates := make(map[string]interface{}, len(body))
	verr := &settings.ValidationError{}
	for key, raw := range body {
		var value interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			verr.Add(key, "Value must be valid JSON")
			continue
		}
		updates[key] = value
	}
	if err := verr.OrNil(); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	rev, err := s.settings.BulkUpdate(r.Context(), updates, auth.GetUserIDFromContext(r.Context()))
	s.recordWrite("bulk_update", rev, err)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.recorder.Commit(rev, s.origin(r, reason))

	message := "Settings updated"
	if !rev.Changed() {
		message = "No settings changed"
	}
	s.writeJSON(w, http.StatusOK, message, bulkUpdateResponse{
		Settings:    rev.After,
		ChangedKeys: nonNilKeys(rev.Keys()),
	})
}

func (s *Server) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	actorID := auth.GetUserIDFromContext(r.Context())

	rev, err := s.settings.Reset(r.Context(), actorID)
	if err != nil {
		s.metrics.SettingsWrite("reset", "error", nil)
		s.writeServiceError(w, r, err)
		return
	}
	s.metrics.SettingsWrite("reset", "ok", nil)

	if !s.recorder.CommitReset(s.origin(r, "")) {
		s.logger.WithFields(logrus.Fields{"actor_id": actorID}).Warn("Reset history record was not queued")
	}

	s.writeJSON(w, http.StatusCreated, "Settings reset to defaults", rev.After)
}

func nonNilKeys(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}
