package domain

import "time"

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	// IdempotencyStatusFailed — запрос завершился ответом 3xx-5xx, ответ тоже повторяется.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// StatusForResponse выбирает итоговый статус ключа по коду HTTP-ответа.
func StatusForResponse(statusCode int) IdempotencyStatus {
	if statusCode >= 200 && statusCode < 300 {
		return IdempotencyStatusDone
	}
	return IdempotencyStatusFailed
}

// StoredResponse — HTTP-ответ, сохранённый под ключом Idempotency-Key.
type StoredResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// IdempotencyRecord связывает ключ клиента с отпечатком запроса и его ответом.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	Status      IdempotencyStatus
	Response    StoredResponse
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Expired сообщает, что запись можно удалить или занять заново.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Matches сообщает, что ключ занят тем же самым запросом.
func (r IdempotencyRecord) Matches(requestHash string) bool {
	return r.RequestHash == requestHash
}

// Replayable сообщает, что сохранённый ответ можно отдать повторно.
func (r IdempotencyRecord) Replayable() bool {
	return r.Status != IdempotencyStatusProcessing && r.Response.StatusCode != 0
}

// Clone возвращает копию с независимым телом ответа.
func (r IdempotencyRecord) Clone() IdempotencyRecord {
	r.Response.Body = append([]byte(nil), r.Response.Body...)
	return r
}
