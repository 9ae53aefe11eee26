package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/adapter"
	"github.com/rwadalebsar/tank-telemetry/internal/domain"
	"github.com/rwadalebsar/tank-telemetry/internal/metrics"
)

const (
	// пауза между попытками подключения; не растёт экспоненциально,
	// чтобы восстановление после сбоя устройства было предсказуемым
	connectRetryInterval = 5 * time.Second
	// предел ожидания завершения цикла при остановке
	stopJoinTimeout = 5 * time.Second
)

// loop представляет один работающий цикл мониторинга
type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler управляет фоновыми циклами мониторинга адаптеров.
// На каждый протокол приходится не более одного цикла.
type Scheduler struct {
	// startMu сериализует Start целиком: параллельные запуски одного
	// адаптера не должны оставить два живых цикла
	startMu sync.Mutex
	mu      sync.Mutex
	loops   map[domain.Source]*loop
	logger  *zap.Logger
}

// NewScheduler создаёт планировщик без активных циклов
func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		loops:  make(map[domain.Source]*loop),
		logger: logger,
	}
}

// Start запускает цикл мониторинга адаптера. Повторный запуск для того же
// протокола останавливает предыдущий цикл и дожидается его завершения,
// поэтому два цикла одного адаптера существовать не могут.
func (s *Scheduler) Start(ctx context.Context, a adapter.Adapter) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	source := a.Source()

	s.mu.Lock()
	prev := s.loops[source]
	delete(s.loops, source)
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.loops[source] = l
	s.mu.Unlock()

	metrics.MonitorActiveLoops.Inc()
	s.logger.Info("started monitoring loop", zap.String("adapter", string(source)))

	go s.run(loopCtx, a, l)
}

// run выполняет цикл подключение-сбор-сон до отмены контекста
func (s *Scheduler) run(ctx context.Context, a adapter.Adapter, l *loop) {
	defer close(l.done)
	defer metrics.MonitorActiveLoops.Dec()

	source := string(a.Source())

	for {
		if ctx.Err() != nil {
			return
		}

		if !a.Connected() {
			if err := a.Connect(ctx); err != nil {
				s.logger.Warn("connect failed, retrying",
					zap.String("adapter", source),
					zap.Duration("retry_in", connectRetryInterval),
					zap.Error(err))
				if !sleep(ctx, connectRetryInterval) {
					return
				}
				continue
			}
		}

		if _, err := a.FetchTankData(ctx); err != nil {
			s.logger.Warn("fetch failed",
				zap.String("adapter", source),
				zap.Error(err))
		}

		if !sleep(ctx, a.PollingInterval()) {
			return
		}
	}
}

// Stop останавливает цикл мониторинга протокола. Ожидание завершения
// ограничено; зависший цикл бросается с предупреждением в журнале.
func (s *Scheduler) Stop(source domain.Source) {
	s.mu.Lock()
	l := s.loops[source]
	delete(s.loops, source)
	s.mu.Unlock()

	if l == nil {
		return
	}

	l.cancel()
	select {
	case <-l.done:
		s.logger.Info("stopped monitoring loop", zap.String("adapter", string(source)))
	case <-time.After(stopJoinTimeout):
		s.logger.Warn("monitoring loop did not stop in time, abandoning",
			zap.String("adapter", string(source)))
	}
}

// StopAll останавливает все активные циклы
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	sources := make([]domain.Source, 0, len(s.loops))
	for source := range s.loops {
		sources = append(sources, source)
	}
	s.mu.Unlock()

	for _, source := range sources {
		s.Stop(source)
	}
}

// Running сообщает, работает ли цикл мониторинга протокола
func (s *Scheduler) Running(source domain.Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loops[source] != nil
}

// Active возвращает число работающих циклов
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

// sleep ждёт интервал или отмену контекста; false при отмене
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
