package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

// mapErrorToHTTPStatus checks retrieval kinds before ErrTemporary: downstream
// clients tag retryable failures as temporary as well.
func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidRagParameters),
		domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrDuplicateRegistration):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrRetrievalTimeout):
		return http.StatusGatewayTimeout
	case domain.IsKind(err, domain.ErrEmbeddingUnavailable),
		domain.IsKind(err, domain.ErrEmbeddingCallFailed),
		domain.IsKind(err, domain.ErrVectorSearchFailed),
		domain.IsKind(err, domain.ErrKeywordSearchFailed):
		return http.StatusBadGateway
	case domain.IsKind(err, domain.ErrNoBackendAvailable),
		domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}

// errorCode names the failing kind so clients can branch without parsing messages.
func errorCode(err error) string {
	kinds := []struct {
		kind error
		code string
	}{
		{domain.ErrInvalidRagParameters, "invalid_rag_parameters"},
		{domain.ErrNoBackendAvailable, "no_backend_available"},
		{domain.ErrDuplicateRegistration, "duplicate_registration"},
		{domain.ErrRetrievalTimeout, "retrieval_timeout"},
		{domain.ErrEmbeddingUnavailable, "embedding_unavailable"},
		{domain.ErrEmbeddingCallFailed, "embedding_failed"},
		{domain.ErrVectorSearchFailed, "vector_search_failed"},
		{domain.ErrKeywordSearchFailed, "keyword_search_failed"},
		{domain.ErrNotFound, "not_found"},
	}
	for _, k := range kinds {
		if domain.IsKind(err, k.kind) {
			return k.code
		}
	}
	return ""
}

type apiError struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

type apiErrorBody struct {
	Error apiError `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, message, code string) {
	body := apiErrorBody{Error: apiError{Message: message, Type: errorType(status)}}
	if code != "" {
		body.Error.Code = &code
	}
	writeJSON(w, status, body)
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= 500 {
		slog.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	writeAPIError(w, status, err.Error(), errorCode(err))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
