package history

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/qadash/qadash/pkg/config"
	"github.com/qadash/qadash/pkg/registry"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store persists finalized runs for reporting.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Name identifies the store in finalization logs.
	Name() string

	// Finalize records a run that reached a terminal status.
	Finalize(ctx context.Context, run *registry.Run, logPath string) error

	UpsertRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRunsSince(ctx context.Context, since time.Time) ([]Run, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new history Store backed by the configured database
// driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "history"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&Run{}); err != nil {
		return fmt.Errorf("running history migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("History database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) Name() string {
	return "history"
}

// Finalize upserts the run's final state.
func (s *store) Finalize(ctx context.Context, run *registry.Run, _ string) error {
	row := FromRegistry(run)
	row.RecordedAt = time.Now().UTC()

	return s.UpsertRun(ctx, &row)
}

// UpsertRun inserts or replaces the row keyed by run id.
func (s *store) UpsertRun(ctx context.Context, run *Run) error {
	var existing Run

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("run_id = ?", run.RunID).Limit(1).Find(&existing)
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected > 0 {
			run.ID = existing.ID
		}

		return tx.Save(run).Error
	})
	if err != nil {
		return fmt.Errorf("upserting run: %w", err)
	}

	return nil
}

// GetRun returns the row for runID.
func (s *store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&run).Error; err != nil {
		return nil, fmt.Errorf("getting run %s: %w", runID, err)
	}

	return &run, nil
}

// ListRunsSince returns runs started at or after since, newest first.
func (s *store) ListRunsSince(
	ctx context.Context, since time.Time,
) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("started_at >= ?", since).
		Order("started_at DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}
