package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/nfc"
)

type errorResponse struct {
	Message string `json:"message"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, nfc.ErrTagOwned):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrConflict):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrPaymentFailed):
		return http.StatusBadGateway
	case errors.Is(err, apperr.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := apperr.Message(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// decode reads a JSON body into dst and validates its struct tags.
func (s *Server) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("malformed JSON body")
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return apperr.Validation("%s", validationMessages(verrs))
		}
		return apperr.Validation("%v", err)
	}
	return nil
}

func validationMessages(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("'%s': %s", fe.Field(), fieldMessage(fe)))
	}
	return strings.Join(parts, "; ")
}

func fieldMessage(fe validator.FieldError) string {
	isString := fe.Kind() == reflect.String
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "required_without":
		return "required unless " + fe.Param() + " is set"
	case "lte", "max":
		if isString {
			return "length should be less or equal than " + fe.Param()
		}
		return "should be less or equal than " + fe.Param()
	case "gte", "min":
		if isString {
			return "length should be greater or equal than " + fe.Param()
		}
		return "should be greater or equal than " + fe.Param()
	case "gt":
		return "should be greater than " + fe.Param()
	case "len":
		return "length should be " + fe.Param()
	case "numeric":
		return "should contain digits only"
	case "oneof":
		return "should have value in: " + fe.Param()
	}
	return "incorrect value passed"
}
