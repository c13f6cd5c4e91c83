package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/engine"
	"github.com/sells-group/tariff-cli/internal/queue"
	"github.com/sells-group/tariff-cli/internal/review"
	"github.com/sells-group/tariff-cli/internal/store"
	"github.com/sells-group/tariff-cli/internal/watcher"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string `json:"error"`
	Detail any    `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, detail any) {
	writeJSON(w, status, errorBody{Error: msg, Detail: detail})
}

// requestError is a client mistake outside any domain package.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// writeServiceError maps a domain error to a status code. Unrecognized
// errors are logged and reported as 500 without their text.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verrs   validator.ValidationErrors
		invalid *engine.ValidationError
		htsDate *engine.HTSDateError
		reqErr  *requestError
	)
	switch {
	case errors.As(err, &reqErr):
		writeError(w, http.StatusBadRequest, reqErr.msg, nil)
	case errors.As(err, &verrs):
		fields := make([]fieldError, len(verrs))
		for i, fe := range verrs {
			fields[i] = fieldError{Field: fe.Field(), Rule: fe.Tag()}
		}
		writeError(w, http.StatusBadRequest, "invalid request", fields)
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Error(), invalid)
	case errors.As(err, &htsDate):
		writeError(w, http.StatusUnprocessableEntity, htsDate.Error(), htsDate)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found", nil)
	case errors.Is(err, watcher.ErrUnknownWatcher), errors.Is(err, review.ErrNoReviewer):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, review.ErrNotReviewable), errors.Is(err, queue.ErrStale),
		errors.Is(err, store.ErrStaleStatus):
		writeError(w, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, review.ErrNotVerbatim):
		writeError(w, http.StatusUnprocessableEntity, err.Error(), nil)
	default:
		zap.L().Error("server: request failed",
			zap.String("component", "server"),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

// decode reads a JSON body into v and validates its tags.
func (s *Server) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &requestError{msg: "malformed body: " + err.Error()}
	}
	return s.validate.Struct(v)
}
