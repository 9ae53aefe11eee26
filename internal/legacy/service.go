package legacy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/config"
	"github.com/rwadalebsar/tank-telemetry/internal/domain"
)

// Archive принимает показания на долговременное хранение
type Archive interface {
	SaveReading(ctx context.Context, reading domain.TelemetryReading) error
}

// Service опрашивает прежний облачный API уровней и держит показания в
// памяти. Интервал опроса берётся из конфигурации как есть: нижней
// границы, в отличие от протокольных адаптеров, здесь никогда не было.
type Service struct {
	cfg     config.LegacyConfig
	client  *resty.Client
	archive Archive
	logger  *zap.Logger

	mu       sync.Mutex
	readings []domain.TelemetryReading
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewService создаёт сервис опроса; archive может быть nil
func NewService(cfg config.LegacyConfig, archive Archive, logger *zap.Logger) *Service {
	return &Service{
		cfg:     cfg,
		client:  resty.New().SetTimeout(10 * time.Second),
		archive: archive,
		logger:  logger,
	}
}

// Source идентифицирует показания сервиса в агрегаторе
func (s *Service) Source() domain.Source { return domain.SourceLegacy }

// TankData возвращает копию накопленных показаний
func (s *Service) TankData() []domain.TelemetryReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TelemetryReading, len(s.readings))
	copy(out, s.readings)
	return out
}

// AddReading принимает показание, внесённое вручную через API
func (s *Service) AddReading(ctx context.Context, reading domain.TelemetryReading) {
	reading.Source = domain.SourceLegacy
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now()
	}
	if reading.TankID == "" {
		reading.TankID = s.cfg.TankID
	}

	s.mu.Lock()
	s.readings = append(s.readings, reading)
	s.mu.Unlock()

	s.archiveReading(ctx, reading)
	s.logger.Info("added manual tank reading",
		zap.String("tank_id", reading.TankID),
		zap.Float64("level", reading.Level))
}

// Start запускает фоновый опрос, если сервис включён
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled || s.cfg.APIURL == "" {
		s.logger.Info("legacy polling service is disabled")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	interval := time.Duration(s.cfg.PollingInterval) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}

	s.logger.Info("started legacy polling service",
		zap.String("api_url", s.cfg.APIURL),
		zap.Duration("interval", interval))

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.poll(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.poll(loopCtx)
			}
		}
	}()
}

// Stop останавливает фоновый опрос
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("stopped legacy polling service")
}

// poll выполняет один запрос к внешнему API
func (s *Service) poll(ctx context.Context) {
	var body struct {
		TankID    string  `json:"tank_id"`
		Name      string  `json:"name"`
		Level     float64 `json:"level"`
		Timestamp string  `json:"timestamp"`
	}

	req := s.client.R().SetContext(ctx).SetResult(&body)
	if s.cfg.APIKey != "" {
		req.SetHeader("X-API-Key", s.cfg.APIKey)
	}

	resp, err := req.Get(s.cfg.APIURL)
	if err != nil {
		s.logger.Warn("legacy api poll failed", zap.Error(err))
		return
	}
	if !resp.IsSuccess() {
		s.logger.Warn("legacy api poll failed",
			zap.String("status", resp.Status()))
		return
	}

	ts := time.Now()
	if body.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, body.Timestamp); err == nil {
			ts = parsed
		}
	}
	tankID := body.TankID
	if tankID == "" {
		tankID = s.cfg.TankID
	}
	name := body.Name
	if name == "" {
		name = tankID
	}

	reading := domain.TelemetryReading{
		TankID:    tankID,
		Name:      name,
		Level:     body.Level,
		Timestamp: ts,
		Source:    domain.SourceLegacy,
	}

	s.mu.Lock()
	s.readings = append(s.readings, reading)
	s.mu.Unlock()

	s.archiveReading(ctx, reading)
	s.logger.Debug("polled legacy api",
		zap.String("tank_id", tankID),
		zap.Float64("level", body.Level))
}

// archiveReading отправляет показание в архив, если он настроен
func (s *Service) archiveReading(ctx context.Context, reading domain.TelemetryReading) {
	if s.archive == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.archive.SaveReading(saveCtx, reading); err != nil {
		s.logger.Warn(fmt.Sprintf("failed to archive reading for %s", reading.TankID),
			zap.Error(err))
	}
}
