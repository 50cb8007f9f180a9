package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/casecrawl/casecrawl/internal/batch"
	"github.com/casecrawl/casecrawl/internal/ingest"
	"github.com/casecrawl/casecrawl/internal/lifecycle"
	"github.com/casecrawl/casecrawl/internal/store"
)

const maxRequestBodySize = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps sentinel errors to status codes. Anything unknown is
// logged and reported as a 500 without detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var ve validator.ValidationErrors
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, lifecycle.ErrInvalidSelection):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, lifecycle.ErrOverrideRequired),
		errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, batch.ErrEmptyBatch),
		errors.Is(err, batch.ErrTooManyCases),
		errors.Is(err, ingest.ErrMissingPartyColumn),
		errors.Is(err, ingest.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, describe(ve))
	default:
		zap.L().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// describe renders validation failures as "field: rule" pairs, with the
// request type stripped from each path.
func describe(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fmt.Sprintf("%s: %s", field, rule))
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// decode reads a JSON body into v and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeDomainError(w, r, err)
		return false
	}
	return true
}
