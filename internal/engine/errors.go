package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/tariff-cli/internal/model"
)

// ValidationError reports malformed evaluation input. It is never retried.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("engine: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// HTSDateReason says why a code was rejected for a date.
type HTSDateReason string

const (
	HTSUnknown     HTSDateReason = "unknown"
	HTSOutOfWindow HTSDateReason = "out_of_window"
)

// HTSDateError reports an HTS code that is not valid on the requested date.
// Codes are never remapped; Suggestions lists candidates for the caller.
type HTSDateError struct {
	HTS         string         `json:"hts"`
	Date        time.Time      `json:"date"`
	Reason      HTSDateReason  `json:"reason"`
	Windows     []model.Window `json:"windows,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
}

func (e *HTSDateError) Error() string {
	msg := fmt.Sprintf("engine: hts %s is %s on %s", FormatHTS(e.HTS), strings.ReplaceAll(string(e.Reason), "_", " "), e.Date.Format(model.DateLayout))
	if len(e.Suggestions) > 0 {
		formatted := make([]string, len(e.Suggestions))
		for i, s := range e.Suggestions {
			formatted[i] = FormatHTS(s)
		}
		msg += " (try " + strings.Join(formatted, ", ") + ")"
	}
	return msg
}
