package anomaly

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
	"github.com/rwadalebsar/tank-telemetry/internal/storage"
	"github.com/rwadalebsar/tank-telemetry/pkg/utils"
)

const (
	feedbackFile = "anomaly_feedback.json"
	reportsFile  = "reported_anomalies.json"
)

// feedbackKey - ключ сопоставления отзыва с показанием: точное
// совпадение времени, уровня и резервуара
type feedbackKey struct {
	timestamp int64
	level     float64
	tankID    string
}

func keyOf(ts time.Time, level float64, tankID string) feedbackKey {
	return feedbackKey{timestamp: ts.UnixNano(), level: level, tankID: tankID}
}

// Store хранит отзывы пользователей о вердиктах модели и заявленные
// пользователями пропущенные аномалии
type Store struct {
	mu       sync.Mutex
	feedback map[feedbackKey]domain.FeedbackEntry
	reports  []domain.ReportedAnomaly
	files    *storage.FileStore
	logger   *zap.Logger
}

// NewStore создаёт хранилище, поднимая сохранённые записи с диска
func NewStore(files *storage.FileStore, logger *zap.Logger) (*Store, error) {
	s := &Store{
		feedback: make(map[feedbackKey]domain.FeedbackEntry),
		files:    files,
		logger:   logger,
	}

	var entries []domain.FeedbackEntry
	if _, err := files.Load(feedbackFile, &entries); err != nil {
		return nil, fmt.Errorf("failed to load anomaly feedback: %w", err)
	}
	for _, e := range entries {
		s.feedback[keyOf(e.Timestamp, e.Level, e.TankID)] = e
	}

	if _, err := files.Load(reportsFile, &s.reports); err != nil {
		return nil, fmt.Errorf("failed to load reported anomalies: %w", err)
	}
	return s, nil
}

// AddFeedback сохраняет отзыв. Повторный отзыв на то же показание
// замещает предыдущий.
func (s *Store) AddFeedback(entry domain.FeedbackEntry) error {
	s.mu.Lock()
	s.feedback[keyOf(entry.Timestamp, entry.Level, entry.TankID)] = entry
	entries := s.feedbackSliceLocked()
	s.mu.Unlock()

	s.logger.Info("recorded anomaly feedback",
		zap.String("tank_id", entry.TankID),
		zap.Bool("is_normal", entry.IsNormal))
	return s.files.Save(feedbackFile, entries)
}

// Feedback возвращает все сохранённые отзывы
func (s *Store) Feedback() []domain.FeedbackEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedbackSliceLocked()
}

func (s *Store) feedbackSliceLocked() []domain.FeedbackEntry {
	entries := make([]domain.FeedbackEntry, 0, len(s.feedback))
	for _, e := range s.feedback {
		entries = append(entries, e)
	}
	return entries
}

// lookup возвращает отзыв для показания, если он есть
func (s *Store) lookup(ts time.Time, level float64, tankID string) (domain.FeedbackEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.feedback[keyOf(ts, level, tankID)]
	return e, ok
}

// Report регистрирует аномалию, пропущенную моделью по мнению
// пользователя. Новая заявка всегда в статусе pending.
func (s *Store) Report(ts time.Time, level float64, tankID, userID, notes string) (domain.ReportedAnomaly, error) {
	report := domain.ReportedAnomaly{
		ID:         utils.NewUUID().String(),
		Timestamp:  ts,
		Level:      level,
		TankID:     tankID,
		UserID:     userID,
		Notes:      notes,
		Status:     domain.ReportPending,
		ReportedAt: time.Now(),
	}

	s.mu.Lock()
	s.reports = append(s.reports, report)
	reports := append([]domain.ReportedAnomaly(nil), s.reports...)
	s.mu.Unlock()

	s.logger.Info("registered reported anomaly",
		zap.String("id", report.ID),
		zap.String("tank_id", tankID))
	return report, s.files.Save(reportsFile, reports)
}

// Reports возвращает заявки, опционально отфильтрованные по статусу
func (s *Store) Reports(status domain.ReportStatus) []domain.ReportedAnomaly {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ReportedAnomaly, 0, len(s.reports))
	for _, r := range s.reports {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ResolveReport переводит заявку из pending в confirmed или rejected
func (s *Store) ResolveReport(id string, status domain.ReportStatus) (domain.ReportedAnomaly, error) {
	if status != domain.ReportConfirmed && status != domain.ReportRejected {
		return domain.ReportedAnomaly{}, fmt.Errorf("invalid report status: %q", status)
	}

	s.mu.Lock()
	var resolved *domain.ReportedAnomaly
	for i := range s.reports {
		if s.reports[i].ID == id {
			s.reports[i].Status = status
			resolved = &s.reports[i]
			break
		}
	}
	if resolved == nil {
		s.mu.Unlock()
		return domain.ReportedAnomaly{}, domain.ErrNotFound
	}
	report := *resolved
	reports := append([]domain.ReportedAnomaly(nil), s.reports...)
	s.mu.Unlock()

	s.logger.Info("resolved reported anomaly",
		zap.String("id", id),
		zap.String("status", string(status)))
	return report, s.files.Save(reportsFile, reports)
}

// Metrics - эвристические показатели качества детектора, выведенные из
// отзывов и разобранных заявок
type Metrics struct {
	FeedbackTotal    int     `json:"feedback_total"`
	FalsePositives   int     `json:"false_positives"`
	PendingReports   int     `json:"pending_reports"`
	ConfirmedReports int     `json:"confirmed_reports"`
	RejectedReports  int     `json:"rejected_reports"`
	ConfirmationRate float64 `json:"confirmation_rate"`

	// Подтверждённая заявка - аномалия, пропущенная моделью; отсюда
	// "уровень ложноотрицательных" и "точность" в процентах. Показатели
	// описательные: истинно отрицательные исходы здесь не учитываются
	FalseNegativeRate float64 `json:"false_negative_rate"`
	Accuracy          float64 `json:"accuracy"`
}

// Metrics считает показатели по текущему содержимому хранилища.
// ConfirmationRate - доля подтверждённых среди разобранных заявок.
func (s *Store) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Metrics{FeedbackTotal: len(s.feedback)}
	for _, e := range s.feedback {
		if e.IsNormal {
			m.FalsePositives++
		}
	}
	for _, r := range s.reports {
		switch r.Status {
		case domain.ReportPending:
			m.PendingReports++
		case domain.ReportConfirmed:
			m.ConfirmedReports++
		case domain.ReportRejected:
			m.RejectedReports++
		}
	}
	if resolved := m.ConfirmedReports + m.RejectedReports; resolved > 0 {
		m.ConfirmationRate = float64(m.ConfirmedReports) / float64(resolved)
	}
	m.Accuracy = 100.0
	if total := len(s.reports); total > 0 {
		m.FalseNegativeRate = float64(m.ConfirmedReports) / float64(total) * 100
		m.Accuracy = 100 - m.FalseNegativeRate
	}
	return m
}
