package adapter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
	"github.com/rwadalebsar/tank-telemetry/internal/storage"
)

// Adapter - единый контракт клиента телеметрии для всех протоколов.
// Каждый адаптер владеет одним внешним подключением, конфигурацией
// и буфером собранных показаний.
type Adapter interface {
	// Source возвращает протокол адаптера
	Source() domain.Source
	// Enabled сообщает, включён ли адаптер в конфигурации
	Enabled() bool
	// PollingInterval возвращает интервал опроса для планировщика
	PollingInterval() time.Duration

	// Config возвращает копию конфигурации с замаскированными секретами
	Config() any
	// UpdateConfig накладывает частичный JSON-патч на текущую конфигурацию
	// и сохраняет её. При сбое сохранения изменения в памяти остаются.
	UpdateConfig(patch []byte) error

	// Connect устанавливает подключение; domain.ErrDisabled для выключенного адаптера
	Connect(ctx context.Context) error
	// Disconnect идемпотентно разрывает подключение и сбрасывает состояние
	Disconnect()
	// TestConnection выполняет подключение, минимальную пробу и отключение
	TestConnection(ctx context.Context) bool

	// FetchTankData выполняет цикл сбора и возвращает только новую партию
	FetchTankData(ctx context.Context) ([]domain.TelemetryReading, error)
	// TankData возвращает копию накопленного буфера
	TankData() []domain.TelemetryReading
	// ClearTankData очищает буфер
	ClearTankData()

	// State возвращает текущее состояние подключения
	State() domain.ConnectionState
	// Connected сообщает, установлено ли подключение
	Connected() bool
}

// base содержит общее для всех адаптеров: мьютекс, состояние подключения,
// буфер показаний и персистентность конфигурации. Буфер и состояние читаются
// обработчиками запросов параллельно с циклом мониторинга, поэтому весь
// доступ сериализуется через mu.
type base struct {
	mu     sync.Mutex
	source domain.Source
	logger *zap.Logger
	store  *storage.FileStore
	file   string

	state  domain.ConnectionState
	buffer []domain.TelemetryReading
}

func newBase(source domain.Source, file string, store *storage.FileStore, logger *zap.Logger) base {
	return base{
		source: source,
		logger: logger.With(zap.String("adapter", string(source))),
		store:  store,
		file:   file,
	}
}

func (b *base) Source() domain.Source { return b.source }

func (b *base) State() domain.ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Connected
}

// setConnected фиксирует успешное подключение
func (b *base) setConnected() {
	now := time.Now()
	b.mu.Lock()
	b.state.Connected = true
	b.state.LastError = ""
	b.state.LastConnectedAt = &now
	b.mu.Unlock()
}

// setDisconnected сбрасывает флаг подключения, не трогая last_error
func (b *base) setDisconnected() {
	b.mu.Lock()
	b.state.Connected = false
	b.mu.Unlock()
}

// recordError записывает ошибку в состояние подключения
func (b *base) recordError(err error) {
	b.mu.Lock()
	b.state.Connected = false
	b.state.LastError = err.Error()
	b.mu.Unlock()
}

// appendReadings добавляет партию в буфер в порядке получения
func (b *base) appendReadings(batch []domain.TelemetryReading) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	b.buffer = append(b.buffer, batch...)
	b.mu.Unlock()
}

func (b *base) TankData() []domain.TelemetryReading {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.TelemetryReading, len(b.buffer))
	copy(out, b.buffer)
	return out
}

func (b *base) ClearTankData() {
	b.mu.Lock()
	b.buffer = nil
	b.mu.Unlock()
	b.logger.Info("cleared tank data buffer")
}

// persist сохраняет конфигурацию через файловое хранилище
func (b *base) persist(cfg any) error {
	if err := b.store.Save(b.file, cfg); err != nil {
		return &domain.ConfigError{Path: b.store.Path(b.file), Err: err}
	}
	return nil
}

// tokenCache кэширует bearer-токен с моментом истечения.
// Используется адаптерами с токенной аутентификацией (REST, GraphQL).
type tokenCache struct {
	mu     sync.Mutex
	token  string
	expiry time.Time
}

// Get возвращает токен, если срок его действия не истёк
func (c *tokenCache) Get() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || time.Now().After(c.expiry) {
		return "", false
	}
	return c.token, true
}

// Set сохраняет токен с временем жизни
func (c *tokenCache) Set(token string, ttl time.Duration) {
	c.mu.Lock()
	c.token = token
	c.expiry = time.Now().Add(ttl)
	c.mu.Unlock()
}

// Clear сбрасывает кэш
func (c *tokenCache) Clear() {
	c.mu.Lock()
	c.token = ""
	c.expiry = time.Time{}
	c.mu.Unlock()
}
