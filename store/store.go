// Package store implements the State Store (C2): the relational source of
// truth for files, points of interest, resolved relationships, the outbox,
// directory summaries and run manifests. GORM handles schema definition and
// migrations; raw pgx transactions handle the row-locking operations GORM
// doesn't expose ergonomically — notably the outbox publisher's
// SELECT ... FOR UPDATE SKIP LOCKED tick.
package store

import (
	"context"
	"fmt"

	"github.com/evalgo/codeatlas/model"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store owns both the GORM handle (model CRUD, migrations) and a pgx pool
// (hand-written SQL needing row locks) side by side for the same database.
type Store struct {
	DB   *gorm.DB
	Pool *pgxpool.Pool
}

// Open connects GORM and a pgx pool to the same Postgres DSN and runs
// AutoMigrate for the six tables of spec.md §6 plus run manifests and
// refactor tasks (eight models in all).
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pgx pool: %w", err)
	}

	if err := db.AutoMigrate(
		&model.File{},
		&model.POI{},
		&model.ResolvedRelationship{},
		&model.OutboxEvent{},
		&model.DirectorySummary{},
		&model.RelationshipEvidence{},
		&model.RunManifest{},
		&model.RefactorTaskRow{},
	); err != nil {
		pool.Close()
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	return &Store{DB: db, Pool: pool}, nil
}

// Ping verifies the pgx pool can still reach Postgres, used by health/ for
// readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Close releases both handles.
func (s *Store) Close() error {
	s.Pool.Close()
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Tx runs fn inside a GORM transaction. No external call (LLM, bus, graph
// store) may be made from within fn — spec.md §5 forbids holding a
// state-store transaction across a suspending external call.
func (s *Store) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.DB.WithContext(ctx).Transaction(fn)
}
