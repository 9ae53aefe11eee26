package domain

import (
	"errors"
	"fmt"
)

// Сентинельные ошибки уровня домена
var (
	// ErrDisabled возвращается при попытке подключить выключенный адаптер
	ErrDisabled = errors.New("adapter is disabled")
	// ErrNotFound возвращается для неизвестного идентификатора
	ErrNotFound = errors.New("not found")
	// ErrForbidden возвращается, когда у пользователя нет нужной роли
	ErrForbidden = errors.New("insufficient permissions")
)

// ConfigError означает сбой сохранения конфигурации.
// Изменения в памяти к этому моменту уже применены и не откатываются.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("failed to persist configuration to %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConnectError означает сбой транспорта или аутентификации протокола
type ConnectError struct {
	Source Source
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s connection failed: %v", e.Source, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// DecodeError означает некорректный или неполный ответ регистра
type DecodeError struct {
	TankID string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode register for tank %s: %s", e.TankID, e.Reason)
}
