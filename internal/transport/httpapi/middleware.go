package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

const (
	headerAPIKey            = "X-API-Key"
	headerIdempotencyKey    = "Idempotency-Key"
	headerIdempotentReplay  = "Idempotent-Replayed"
	errIdempotencyInFlight  = "idempotency_request_in_progress"
	errIdempotencyKeyReused = "idempotency_key_reused"

	idempotencyCompleteTimeout = 5 * time.Second
)

func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.WithFields(log.Fields{
					"panic":      rec,
					"stack":      string(debug.Stack()),
					"request_id": middleware.GetReqID(r.Context()),
				}).Error("panic in http handler")
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: errInternal, Message: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// observe пишет метрики и debug-лог по шаблону маршрута, а не по сырому пути.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := h.now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		duration := h.now().Sub(started)
		h.metrics.Observe(route, r.Method, status, duration)

		h.logger.WithFields(log.Fields{
			"method":      r.Method,
			"route":       route,
			"status":      status,
			"duration_ms": duration.Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.APIKey != "" {
			provided := r.Header.Get(headerAPIKey)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(h.cfg.APIKey)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: errUnauthorized, Message: "missing or invalid API key"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// idempotent сохраняет ответ по Idempotency-Key и повторяет его для того же запроса.
// Повтор с другим телом или путём отклоняется, пока ключ не истёк.
func (h *Handler) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(headerIdempotencyKey)
		if h.idempotency == nil || key == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			h.writeError(w, r, badRequest("read request body: %v", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		hash := requestHash(r, body)
		record, reserved, err := h.idempotency.Reserve(ctx, key, hash, h.now().UTC().Add(h.cfg.IdempotencyTTL))
		if err != nil {
			h.writeError(w, r, errors.Wrap(err, "reserve idempotency key"))
			return
		}
		if !reserved {
			h.replayIdempotent(w, r, record, hash)
			return
		}

		// Ключ завершается на любом выходе из обработчика, включая панику.
		completed := false
		defer func() {
			if completed {
				return
			}
			rec := recover()
			failure, _ := json.Marshal(errorBody{Error: errInternal, Message: "internal server error"})
			h.completeIdempotent(ctx, key, domain.StoredResponse{
				StatusCode:  http.StatusInternalServerError,
				ContentType: "application/json",
				Body:        failure,
			})
			if rec != nil {
				panic(rec)
			}
		}()

		var captured bytes.Buffer
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&captured)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		completed = true
		h.completeIdempotent(ctx, key, domain.StoredResponse{
			StatusCode:  status,
			ContentType: ww.Header().Get("Content-Type"),
			Body:        captured.Bytes(),
		})
	})
}

// completeIdempotent сохраняет ответ и после отмены запроса клиентом.
func (h *Handler) completeIdempotent(ctx context.Context, key string, response domain.StoredResponse) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), idempotencyCompleteTimeout)
	defer cancel()

	if err := h.idempotency.Complete(ctx, key, domain.StatusForResponse(response.StatusCode), response); err != nil {
		h.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
	}
}

func (h *Handler) replayIdempotent(w http.ResponseWriter, r *http.Request, record domain.IdempotencyRecord, hash string) {
	switch {
	case !record.Matches(hash):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:   errIdempotencyKeyReused,
			Message: "idempotency key is already used with different request payload",
		})
	case record.Status == domain.IdempotencyStatusProcessing:
		writeJSON(w, http.StatusConflict, errorBody{
			Error:   errIdempotencyInFlight,
			Message: "request with the same idempotency key is already processing",
		})
	case !record.Replayable():
		h.writeError(w, r, errors.Errorf("idempotency key %s has no stored response", record.Key))
	default:
		contentType := record.Response.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set(headerIdempotentReplay, "true")
		w.WriteHeader(record.Response.StatusCode)
		_, _ = w.Write(record.Response.Body)
	}
}

func requestHash(r *http.Request, body []byte) string {
	sum := sha256.New()
	_, _ = io.WriteString(sum, r.Method+" "+r.URL.Path+"\n")
	_, _ = sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}
