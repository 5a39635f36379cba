// Package middleware содержит HTTP middleware движка расчётов.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
)

const signatureHeader = "X-Webhook-Signature"

// WebhookMiddleware проверяет HMAC-SHA256 подпись вебхуков платёжного
// провайдера по сырому телу запроса.
type WebhookMiddleware struct {
	secretKey []byte
}

// NewWebhookMiddleware создаёт новый экземпляр WebhookMiddleware с указанным
// секретным ключом. Пустой секрет заменяется случайным: такие вебхуки будут
// отвергаться, но сервис не останется без проверки подписи.
func NewWebhookMiddleware(secret string) *WebhookMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &WebhookMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет подпись запроса и пропускает его дальше с
// восстановленным телом.
func (m *WebhookMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.Header.Get(signatureHeader)
		if signature == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		r.Body.Close()

		if !m.verify(body, signature) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// Sign возвращает hex-подпись тела для исходящих запросов и тестов.
func (m *WebhookMiddleware) Sign(body []byte) string {
	mac := hmac.New(sha256.New, m.secretKey)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *WebhookMiddleware) verify(body []byte, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(m.Sign(body)))
}
