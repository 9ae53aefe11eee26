package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/config"
	"github.com/rwadalebsar/tank-telemetry/internal/domain"
	"github.com/rwadalebsar/tank-telemetry/internal/metrics"
)

// PostgresRepository - необязательный архив показаний. Буферы адаптеров
// живут в памяти процесса; архив хранит историю между перезапусками.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresRepository(ctx context.Context, archiveConfig config.ArchiveConfig, logger *zap.Logger) (*PostgresRepository, error) {
	// Конфигурация пула
	poolConfig, err := pgxpool.ParseConfig(archiveConfig.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	poolConfig.MaxConns = int32(archiveConfig.MaxConnections)
	poolConfig.MinConns = int32(archiveConfig.MinConnections)
	poolConfig.MaxConnLifetime = archiveConfig.MaxConnLifetime
	poolConfig.MaxConnIdleTime = archiveConfig.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Проверка соединения
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Запуск горутины для мониторинга соединений
	go monitorConnections(ctx, pool, logger)

	return &PostgresRepository{
		pool:   pool,
		logger: logger,
	}, nil
}

// monitorConnections периодически обновляет метрики соединений и завершается при отмене ctx
func monitorConnections(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping monitorConnections goroutine due to context cancellation")
			return
		case <-ticker.C:
			stats := pool.Stat()
			metrics.DBActiveConnections.Set(float64(stats.AcquiredConns()))
			metrics.DBIdleConnections.Set(float64(stats.IdleConns()))

			logger.Debug("Database connection stats",
				zap.Int("acquired", int(stats.AcquiredConns())),
				zap.Int("idle", int(stats.IdleConns())),
				zap.Int("max", int(stats.MaxConns())),
			)
		}
	}
}

func (r *PostgresRepository) SaveReading(ctx context.Context, reading domain.TelemetryReading) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	start := time.Now()
	defer func() {
		metrics.DBQueryDuration.WithLabelValues("save_reading").Observe(time.Since(start).Seconds())
	}()

	query := `INSERT INTO tank_readings (tank_id, name, level, ts, source, owner_user_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tank_id, ts, source) DO NOTHING`

	_, err := r.pool.Exec(ctx, query,
		reading.TankID,
		reading.Name,
		reading.Level,
		reading.Timestamp,
		string(reading.Source),
		reading.OwnerUserID,
	)
	if err != nil {
		return fmt.Errorf("failed to save reading: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ReadingsByTank(ctx context.Context, tankID string, limit int) ([]domain.TelemetryReading, error) {
	start := time.Now()
	defer func() {
		metrics.DBQueryDuration.WithLabelValues("readings_by_tank").Observe(time.Since(start).Seconds())
	}()

	if limit <= 0 {
		limit = 1000
	}

	query := `SELECT tank_id, name, level, ts, source, owner_user_id
		FROM tank_readings WHERE tank_id = $1 ORDER BY ts DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, tankID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	return scanReadings(rows)
}

func (r *PostgresRepository) ReadingsByTimeRange(ctx context.Context, from, to time.Time) ([]domain.TelemetryReading, error) {
	start := time.Now()
	defer func() {
		metrics.DBQueryDuration.WithLabelValues("readings_by_time_range").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT tank_id, name, level, ts, source, owner_user_id
		FROM tank_readings WHERE ts >= $1 AND ts < $2 ORDER BY ts`

	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	return scanReadings(rows)
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanReadings(rows pgxRows) ([]domain.TelemetryReading, error) {
	var results []domain.TelemetryReading
	for rows.Next() {
		var reading domain.TelemetryReading
		var source string
		err := rows.Scan(
			&reading.TankID,
			&reading.Name,
			&reading.Level,
			&reading.Timestamp,
			&source,
			&reading.OwnerUserID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		reading.Source = domain.Source(source)
		results = append(results, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return results, nil
}

func (r *PostgresRepository) HealthCheck(ctx context.Context) error {
	start := time.Now()
	defer func() {
		duration := time.Since(start).Seconds()
		metrics.DBQueryDuration.WithLabelValues("health_check").Observe(duration)
	}()

	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}
