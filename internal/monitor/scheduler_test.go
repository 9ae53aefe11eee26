package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
)

// stubAdapter реализует минимальный адаптер для тестов планировщика
type stubAdapter struct {
	source     domain.Source
	interval   time.Duration
	connectErr error

	connected    atomic.Bool
	connectCalls atomic.Int32
	fetchCalls   atomic.Int32
}

func newStubAdapter(source domain.Source) *stubAdapter {
	return &stubAdapter{source: source, interval: 5 * time.Millisecond}
}

func (a *stubAdapter) Source() domain.Source           { return a.source }
func (a *stubAdapter) Enabled() bool                   { return true }
func (a *stubAdapter) PollingInterval() time.Duration  { return a.interval }
func (a *stubAdapter) Config() any                     { return nil }
func (a *stubAdapter) UpdateConfig(patch []byte) error { return nil }

func (a *stubAdapter) Connect(ctx context.Context) error {
	a.connectCalls.Add(1)
	if a.connectErr != nil {
		return a.connectErr
	}
	a.connected.Store(true)
	return nil
}

func (a *stubAdapter) Disconnect() { a.connected.Store(false) }

func (a *stubAdapter) TestConnection(ctx context.Context) bool { return a.connectErr == nil }

func (a *stubAdapter) FetchTankData(ctx context.Context) ([]domain.TelemetryReading, error) {
	a.fetchCalls.Add(1)
	return nil, nil
}

func (a *stubAdapter) TankData() []domain.TelemetryReading { return nil }
func (a *stubAdapter) ClearTankData()                      {}
func (a *stubAdapter) State() domain.ConnectionState       { return domain.ConnectionState{} }
func (a *stubAdapter) Connected() bool                     { return a.connected.Load() }

func TestScheduler_StartAndStop(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	a := newStubAdapter(domain.SourceModbus)

	s.Start(context.Background(), a)
	assert.True(t, s.Running(domain.SourceModbus))
	assert.Equal(t, 1, s.Active())

	// цикл подключается и собирает данные
	assert.Eventually(t, func() bool {
		return a.fetchCalls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, a.connectCalls.Load(), int32(1))

	s.Stop(domain.SourceModbus)
	assert.False(t, s.Running(domain.SourceModbus))
	assert.Equal(t, 0, s.Active())
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	a := newStubAdapter(domain.SourceREST)

	s.Start(context.Background(), a)

	s.mu.Lock()
	first := s.loops[domain.SourceREST]
	s.mu.Unlock()
	require.NotNil(t, first)

	// повторный запуск заменяет цикл, дождавшись завершения старого
	s.Start(context.Background(), a)

	select {
	case <-first.done:
	case <-time.After(time.Second):
		t.Fatal("previous loop was not stopped on restart")
	}
	assert.Equal(t, 1, s.Active())

	s.StopAll()
}

func TestScheduler_ConcurrentStartsLeaveOneLoop(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	a := newStubAdapter(domain.SourceMQTT)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Start(context.Background(), a)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, s.Active())
	s.StopAll()
	assert.Equal(t, 0, s.Active())
}

func TestScheduler_ConnectFailureKeepsLoopAlive(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	a := newStubAdapter(domain.SourceOPCUA)
	a.connectErr = assert.AnError

	s.Start(context.Background(), a)

	assert.Eventually(t, func() bool {
		return a.connectCalls.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	// сбой подключения не завершает цикл: он ждёт следующую попытку
	time.Sleep(20 * time.Millisecond)
	assert.True(t, s.Running(domain.SourceOPCUA))
	assert.Equal(t, int32(0), a.fetchCalls.Load())

	s.Stop(domain.SourceOPCUA)
	assert.False(t, s.Running(domain.SourceOPCUA))
}

func TestScheduler_StopUnknownSourceIsNoop(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	s.Stop(domain.SourceGraphQL)
	assert.Equal(t, 0, s.Active())
}
