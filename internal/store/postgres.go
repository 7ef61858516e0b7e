package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"procodus.dev/eems/pkg/metrics"
)

// PostgresConfig holds the database configuration.
type PostgresConfig struct {
	Logger   *slog.Logger
	Metrics  *metrics.StoreMetrics
	Host     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	Port     int
}

// Postgres is a Store backed by the energy_documents table.
type Postgres struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics *metrics.StoreMetrics
}

// NewPostgres connects to the database, runs migrations and returns the
// store.
func NewPostgres(cfg *PostgresConfig) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("database config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	cfg.Logger.Info("connecting to database",
		"host", cfg.Host,
		"port", cfg.Port,
		"dbname", cfg.DBName,
	)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cfg.Logger.Info("database connection established")

	return NewPostgresFromDB(db, cfg.Logger, cfg.Metrics)
}

// NewPostgresFromDB wraps an open connection and migrates the schema.
func NewPostgresFromDB(db *gorm.DB, log *slog.Logger, m *metrics.StoreMetrics) (*Postgres, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	if log == nil {
		return nil, errors.New("logger cannot be nil")
	}

	log.Info("running database migrations")
	if err := db.AutoMigrate(&EnergyDocument{}); err != nil {
		return nil, fmt.Errorf("auto-migration failed: %w", err)
	}

	return &Postgres{db: db, logger: log, metrics: m}, nil
}

// Commit applies updates in one transaction. Each touched row is created if
// missing and locked before its document is merged, so concurrent batches
// on the same document serialize instead of overwriting each other.
func (s *Postgres) Commit(ctx context.Context, updates []Update) error {
	start := time.Now()
	err := s.commit(ctx, updates)
	s.observe("commit", start, err)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.UpdatesApplied.Add(float64(len(updates)))
	}
	return nil
}

func (s *Postgres) commit(ctx context.Context, updates []Update) error {
	if err := validate(updates); err != nil {
		return err
	}

	order, groups := groupByDoc(updates)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, ref := range order {
			seed := EnergyDocument{Collection: ref.Collection, DocID: ref.ID, Data: datatypes.JSONMap{}}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
				return fmt.Errorf("create %s: %w", ref, err)
			}

			var row EnergyDocument
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("collection = ? AND doc_id = ?", ref.Collection, ref.ID).
				Take(&row).Error; err != nil {
				return fmt.Errorf("lock %s: %w", ref, err)
			}

			data := clone(row.Data)
			for _, u := range groups[ref] {
				apply(data, u.Path, u.Value)
			}

			if err := tx.Model(&EnergyDocument{}).
				Where("collection = ? AND doc_id = ?", ref.Collection, ref.ID).
				Updates(map[string]any{
					"data":       datatypes.JSONMap(data),
					"updated_at": time.Now().UTC(),
				}).Error; err != nil {
				return fmt.Errorf("update %s: %w", ref, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit batch: %w", mapError(err))
	}

	s.logger.Debug("committed batch", "documents", len(order), "updates", len(updates))
	return nil
}

// Get reads one document.
func (s *Postgres) Get(ctx context.Context, ref DocRef) (Document, bool, error) {
	start := time.Now()

	var row EnergyDocument
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", ref.Collection, ref.ID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.observe("get", start, nil)
		return nil, false, nil
	}
	if err != nil {
		err = fmt.Errorf("get %s: %w", ref, mapError(err))
		s.observe("get", start, err)
		return nil, false, err
	}

	s.observe("get", start, nil)
	return Document(row.Data), true, nil
}

// Close closes the database connection.
func (s *Postgres) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	s.logger.Info("closing database connection")
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (s *Postgres) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	s.metrics.OperationsTotal.WithLabelValues(op, status(err)).Inc()
}

// mapError translates PostgreSQL insufficient-resources errors (SQLSTATE
// class 53) into ErrQuotaExceeded.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "53") {
		return fmt.Errorf("%w: %s (%s)", ErrQuotaExceeded, pgErr.Message, pgErr.Code)
	}
	return err
}
