package api

import (
	"errors"
	"net/http"

	"bi-gateway/internal/domain"
)

// httpStatusFromError maps the error taxonomy to HTTP status codes. Request
// outcomes still carry their JSON body; the code lets proxies and dashboards
// tell them apart without parsing it.
func httpStatusFromError(err error) int {
	var validation *domain.ValidationError
	var notFound *domain.NotFoundError
	if errors.As(err, &validation) {
		return http.StatusBadRequest
	}
	if errors.As(err, &notFound) {
		return http.StatusNotFound
	}

	switch domain.ReasonCode(err) {
	case domain.ReasonNeedsClarification:
		return http.StatusOK
	case domain.ReasonPolicyViolation:
		return http.StatusForbidden
	case domain.ReasonUnparsable:
		return http.StatusUnprocessableEntity
	case domain.ReasonGenerationFailed, domain.ReasonExecutionFailed:
		return http.StatusBadGateway
	case domain.ReasonExecutionTimeout:
		return http.StatusGatewayTimeout
	case domain.ReasonInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the JSON shape of failures that have no request outcome.
type errorBody struct {
	Code    int    `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := httpStatusFromError(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, code, errorBody{Code: code, Reason: domain.ReasonCode(err), Message: msg})
}
