package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/transitops/opsadmin/internal/auth"
	"github.com/transitops/opsadmin/internal/history"
	"github.com/transitops/opsadmin/internal/revert"
	"github.com/transitops/opsadmin/internal/settings"
)

const maxBodyBytes = 1 << 20

// APIResponse is the envelope of every API response
type APIResponse struct {
	Success bool                  `json:"success"`
	Message string                `json:"message,omitempty"`
	Data    interface{}           `json:"data,omitempty"`
	Error   string                `json:"error,omitempty"`
	Errors  []settings.FieldError `json:"errors,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIResponse{Success: true, Message: message, Data: data}); err != nil {
		s.logger.WithError(err).Debug("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeErrorResponse(w, statusCode, APIResponse{Error: message})
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, resp APIResponse) {
	resp.Success = false
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
	s.logger.WithField("error", resp.Error).WithField("status", statusCode).Debug("API error")
}

// writeServiceError maps a component error to its status code. Unexpected
// errors are logged and reported with a generic message.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *settings.ValidationError
	switch {
	case errors.As(err, &verr):
		resp := APIResponse{Error: verr.Error(), Errors: verr.Errors}
		if len(verr.Errors) > 0 {
			resp.Error = verr.Errors[0].Message
		}
		s.writeErrorResponse(w, http.StatusBadRequest, resp)
	case errors.Is(err, settings.ErrEmptyUpdate),
		errors.Is(err, settings.ErrUnknownKey),
		errors.Is(err, revert.ErrNotRevertible),
		errors.Is(err, history.ErrInvalidRetention),
		errors.Is(err, history.ErrInvalidWindow):
		s.writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, history.ErrNotFound):
		s.writeError(w, "History record not found", http.StatusNotFound)
	case errors.Is(err, auth.ErrUnauthenticated):
		s.writeError(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, auth.ErrForbidden):
		s.writeError(w, err.Error(), http.StatusForbidden)
	default:
		s.logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).WithError(err).Error("Request failed")
		s.writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched when
// optional is set.
func decodeBody(r *http.Request, v interface{}, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return invalidField("body", "Request body must be valid JSON")
	}
	return nil
}

func invalidField(field, message string) *settings.ValidationError {
	verr := &settings.ValidationError{}
	verr.Add(field, message)
	return verr
}
