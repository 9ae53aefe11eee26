package utils

import (
	"time"

	"github.com/google/uuid"
)

// Границы интервала опроса адаптеров в секундах.
// Легаси-сервис опроса намеренно не использует нижнюю границу.
const (
	MinPollingInterval = 5
	MaxPollingInterval = 3600
)

// SecretMask подставляется вместо паролей и ключей во внешних ответах
const SecretMask = "********"

// NewUUID генерирует новый UUID
func NewUUID() uuid.UUID {
	return uuid.New()
}

// ClampInterval приводит интервал опроса к допустимым границам
func ClampInterval(seconds int) int {
	if seconds < MinPollingInterval {
		return MinPollingInterval
	}
	if seconds > MaxPollingInterval {
		return MaxPollingInterval
	}
	return seconds
}

// MaskSecret маскирует непустой секрет фиксированной строкой
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return SecretMask
}

// IntervalDuration переводит интервал опроса в time.Duration
func IntervalDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
