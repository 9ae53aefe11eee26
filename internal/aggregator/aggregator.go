package aggregator

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
)

// Provider отдаёт накопленные показания одного источника телеметрии.
// Ему удовлетворяют протокольные адаптеры и легаси-сервис опроса.
type Provider interface {
	Source() domain.Source
	TankData() []domain.TelemetryReading
}

// Archive читает показания из долговременного хранилища. Ему
// удовлетворяет репозиторий PostgreSQL.
type Archive interface {
	ReadingsByTank(ctx context.Context, tankID string, limit int) ([]domain.TelemetryReading, error)
	ReadingsByTimeRange(ctx context.Context, from, to time.Time) ([]domain.TelemetryReading, error)
}

// Query задаёт фильтры выборки уровней
type Query struct {
	TankID  string
	Sources []domain.Source
	Since   *time.Time
	Until   *time.Time
}

// Aggregator объединяет показания всех источников в единую историю
// с учётом тарифа и владельца запрашивающего пользователя
type Aggregator struct {
	providers []Provider
	archive   Archive
	logger    *zap.Logger
}

// NewAggregator создаёт агрегатор над набором источников
func NewAggregator(providers []Provider, logger *zap.Logger) *Aggregator {
	return &Aggregator{providers: providers, logger: logger}
}

// WithArchive подключает долговременное хранилище; архивные показания
// сливаются с живыми при каждой выборке
func (a *Aggregator) WithArchive(archive Archive) *Aggregator {
	a.archive = archive
	return a
}

// Levels возвращает объединённую историю уровней, отсортированную по
// времени. Глубина истории ограничивается тарифом пользователя, чужие
// показания отфильтровываются для всех, кроме администраторов.
func (a *Aggregator) Levels(ctx context.Context, q Query, principal *domain.Principal) []domain.TelemetryReading {
	var merged []domain.TelemetryReading
	for _, p := range a.providers {
		if !q.matchesSource(p.Source()) {
			continue
		}
		merged = append(merged, p.TankData()...)
	}
	merged = a.mergeArchived(ctx, q, merged)

	out := merged[:0]
	cutoff, limited := tierCutoff(principal)
	for _, r := range merged {
		if q.TankID != "" && r.TankID != q.TankID {
			continue
		}
		if limited && r.Timestamp.Before(cutoff) {
			continue
		}
		if q.Since != nil && r.Timestamp.Before(*q.Since) {
			continue
		}
		if q.Until != nil && r.Timestamp.After(*q.Until) {
			continue
		}
		if !visibleTo(r, principal) {
			continue
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	a.logger.Debug("aggregated tank levels",
		zap.Int("count", len(out)),
		zap.String("tank_id", q.TankID))
	return out
}

// mergeArchived добавляет к живым показаниям архивные, пропуская
// дубликаты уже присутствующих в буферах адаптеров записей. Сбой
// хранилища не прерывает выборку, живые данные отдаются как есть.
func (a *Aggregator) mergeArchived(ctx context.Context, q Query, live []domain.TelemetryReading) []domain.TelemetryReading {
	if a.archive == nil {
		return live
	}

	var archived []domain.TelemetryReading
	var err error
	if q.TankID != "" {
		archived, err = a.archive.ReadingsByTank(ctx, q.TankID, 0)
	} else {
		from := time.Time{}
		if q.Since != nil {
			from = *q.Since
		}
		to := time.Now()
		if q.Until != nil {
			to = q.Until.Add(time.Nanosecond)
		}
		archived, err = a.archive.ReadingsByTimeRange(ctx, from, to)
	}
	if err != nil {
		a.logger.Warn("failed to read archived tank levels", zap.Error(err))
		return live
	}

	type key struct {
		tankID string
		ts     int64
		source domain.Source
	}
	seen := make(map[key]struct{}, len(live))
	for _, r := range live {
		seen[key{r.TankID, r.Timestamp.UnixNano(), r.Source}] = struct{}{}
	}
	for _, r := range archived {
		if !q.matchesSource(r.Source) {
			continue
		}
		k := key{r.TankID, r.Timestamp.UnixNano(), r.Source}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		live = append(live, r)
	}
	return live
}

// Latest возвращает последнее показание каждого резервуара
func (a *Aggregator) Latest(ctx context.Context, q Query, principal *domain.Principal) []domain.TelemetryReading {
	history := a.Levels(ctx, q, principal)

	latest := make(map[string]domain.TelemetryReading, len(history))
	var order []string
	for _, r := range history {
		if _, seen := latest[r.TankID]; !seen {
			order = append(order, r.TankID)
		}
		// история отсортирована, последняя запись побеждает
		latest[r.TankID] = r
	}

	out := make([]domain.TelemetryReading, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}

func (q Query) matchesSource(source domain.Source) bool {
	if len(q.Sources) == 0 {
		return true
	}
	for _, s := range q.Sources {
		if s == source {
			return true
		}
	}
	return false
}

// tierCutoff возвращает нижнюю границу истории для тарифа пользователя.
// Анонимный доступ трактуется как бесплатный тариф.
func tierCutoff(principal *domain.Principal) (time.Time, bool) {
	tier := domain.TierFree
	if principal != nil {
		tier = principal.SubscriptionTier
	}
	depth, limited := tier.HistoryCutoff()
	if !limited {
		return time.Time{}, false
	}
	return time.Now().Add(-depth), true
}

// visibleTo решает, видно ли показание пользователю. Показания без
// владельца относятся к запрашивающему.
func visibleTo(r domain.TelemetryReading, principal *domain.Principal) bool {
	if r.OwnerUserID == "" {
		return true
	}
	if principal == nil {
		return false
	}
	return principal.IsAdmin || r.OwnerUserID == principal.Username
}
