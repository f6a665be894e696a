package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

const (
	errInvalidRequest = "invalid_request"
	errInternal       = "internal_server_error"
	errUnauthorized   = "unauthorized"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errRequest — ошибка разбора или валидации тела запроса.
type errRequest struct {
	msg string
}

func (e *errRequest) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &errRequest{msg: fmt.Sprintf(format, args...)}
}

// statusForKind сопоставляет тип доменной ошибки с HTTP-статусом.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindOrderNotFound, domain.KindProductNotFound, domain.KindCustomerNotFound:
		return http.StatusNotFound
	case domain.KindProductNotAvailable, domain.KindOrderClosed:
		return http.StatusBadRequest
	case domain.KindInvalidQuantity:
		return http.StatusUnprocessableEntity
	case domain.KindConcurrentModification:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *errRequest
	if errors.As(err, &reqErr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: errInvalidRequest, Message: reqErr.msg})
		return
	}

	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		body := make(map[string]any, len(domainErr.Details)+2)
		for key, value := range domainErr.Details {
			body[key] = value
		}
		body["error"] = string(domainErr.Kind)
		body["message"] = domainErr.Error()
		writeJSON(w, statusForKind(domainErr.Kind), body)
		return
	}

	h.logger.WithError(err).WithFields(log.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	}).Error("request failed")
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: errInternal, Message: "internal server error"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
