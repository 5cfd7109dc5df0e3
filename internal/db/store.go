package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"semaphore/qrattendance/internal/model"
)

type Store struct {
	Pool *pgxpool.Pool
	*Queries
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool, Queries: New(pool)}
}

func (s *Store) WithTx(ctx context.Context, fn func(*Queries) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	queries := s.Queries.WithTx(tx)
	if err := fn(queries); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// CreateSession writes the session, its class set and the per-class session
// counters in one transaction.
func (s *Store) CreateSession(ctx context.Context, session model.Session) error {
	return s.WithTx(ctx, func(q *Queries) error {
		if err := q.InsertSession(ctx, session); err != nil {
			return fmt.Errorf("insert session: %w", notFound(err))
		}
		for _, classID := range session.ClassIDs {
			if err := q.InsertSessionClass(ctx, session.ID, classID); err != nil {
				return fmt.Errorf("insert session class: %w", notFound(err))
			}
			if err := q.IncrementCourseStats(ctx, session.CourseID, classID); err != nil {
				return fmt.Errorf("increment course stats: %w", notFound(err))
			}
		}
		return nil
	})
}
