package anomaly

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
	"github.com/rwadalebsar/tank-telemetry/internal/metrics"
)

// minPoints - минимальный объём истории для обучения леса; на меньшем
// наборе все показания считаются нормальными
const minPoints = 10

// Engine оценивает историю уровней изоляционным лесом и накладывает
// поверх вердиктов модели отзывы пользователей
type Engine struct {
	store       *Store
	sensitivity float64
	logger      *zap.Logger
}

// NewEngine создаёт детектор с чувствительностью по умолчанию.
// Чувствительность - ожидаемая доля аномалий в данных.
func NewEngine(store *Store, sensitivity float64, logger *zap.Logger) *Engine {
	if sensitivity <= 0 || sensitivity > 1 {
		sensitivity = 0.1
	}
	return &Engine{store: store, sensitivity: sensitivity, logger: logger}
}

// Evaluate оценивает показания и возвращает точки в порядке входа.
// sensitivity <= 0 означает значение по умолчанию.
func (e *Engine) Evaluate(readings []domain.TelemetryReading, sensitivity float64) []domain.AnomalyPoint {
	start := time.Now()
	defer func() {
		metrics.AnomalyEvaluationDuration.Observe(time.Since(start).Seconds())
	}()
	metrics.AnomalyEvaluations.Inc()

	points := make([]domain.AnomalyPoint, len(readings))
	for i, r := range readings {
		points[i] = domain.AnomalyPoint{
			TankID:    r.TankID,
			Timestamp: r.Timestamp,
			Level:     r.Level,
		}
	}

	if len(readings) < minPoints {
		e.logger.Debug("not enough history for anomaly detection",
			zap.Int("points", len(readings)))
		return e.applyFeedback(points)
	}

	if sensitivity <= 0 || sensitivity > 1 {
		sensitivity = e.sensitivity
	}

	levels := make([]float64, len(readings))
	for i, r := range readings {
		levels[i] = r.Level
	}

	forest := newIsolationForest(levels)
	for i := range points {
		points[i].Score = forest.score(points[i].Level)
	}

	// аномальны точки с наибольшими оценками; их число определяется
	// чувствительностью
	anomalous := int(math.Round(sensitivity * float64(len(points))))
	if anomalous > 0 {
		order := make([]int, len(points))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return points[order[a]].Score > points[order[b]].Score
		})
		for _, idx := range order[:anomalous] {
			points[idx].IsAnomaly = true
		}
	}

	return e.applyFeedback(points)
}

// Anomalies возвращает только аномальные точки в порядке входа
func (e *Engine) Anomalies(readings []domain.TelemetryReading, sensitivity float64) []domain.AnomalyPoint {
	points := e.Evaluate(readings, sensitivity)
	out := make([]domain.AnomalyPoint, 0, len(points))
	for _, p := range points {
		if p.IsAnomaly {
			out = append(out, p)
		}
	}
	return out
}

// applyFeedback накладывает отзывы пользователей на вердикты модели.
// Отзыв работает только в сторону подавления: точка, помеченная моделью
// аномальной, принудительно считается нормальной. Обратного направления
// нет - отзыв не может объявить аномалией точку, которую модель (или
// короткое окно) сочла нормальной. Оценка остаётся как есть.
func (e *Engine) applyFeedback(points []domain.AnomalyPoint) []domain.AnomalyPoint {
	if e.store == nil {
		return points
	}
	for i := range points {
		if !points[i].IsAnomaly {
			continue
		}
		entry, ok := e.store.lookup(points[i].Timestamp, points[i].Level, points[i].TankID)
		if !ok || !entry.IsNormal {
			continue
		}
		points[i].IsAnomaly = false
		metrics.AnomalyOverrides.Inc()
		e.logger.Debug("feedback suppressed model verdict",
			zap.String("tank_id", points[i].TankID))
	}
	return points
}
