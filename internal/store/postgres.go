package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/service"
)

//go:embed schema.sql
var schema string

type Store struct {
	Db     *pgxpool.Pool
	logger *zap.Logger
}

func NewStore(ctx context.Context, connString string, maxConns int32, logger *zap.Logger) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool, logger: logger}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// Migrate creates missing tables and indexes. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

// InTx runs fn at REPEATABLE READ; serialization failures surface as
// domain conflicts so callers can retry or report them.
func (s *Store) InTx(ctx context.Context, fn func(service.Repo) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return domain.Unavailable("database", fmt.Errorf("tx begin failed: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&repo{tx: tx}); err != nil {
		return translate(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return translate(fmt.Errorf("tx commit failed: %w", err))
	}
	return nil
}

// translate maps Postgres failures that escaped a repo method.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return domain.Conflict(domain.CodeConflict, "concurrent update, retry")
		case "23505":
			return uniqueViolation(pgErr)
		}
	}
	return err
}

func uniqueViolation(pgErr *pgconn.PgError) error {
	switch pgErr.TableName {
	case "settlements":
		return domain.Conflict(domain.CodeAlreadySettled, "redemption already settled")
	case "redemption_requests":
		return domain.Conflict(domain.CodeAlreadyRedeemed, "token already redeemed")
	default:
		return domain.Conflict(domain.CodeConflict, pgErr.TableName+" row already exists")
	}
}

// wrap turns pgx errors from a single statement into domain errors. what
// names the entity for NotFound messages.
func wrap(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotFound(what + " not found")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if t := translate(err); t != err {
			return t
		}
	}
	return fmt.Errorf("%s query failed: %w", what, err)
}

type repo struct {
	tx pgx.Tx
}

// expectOne reports a precondition failure when an UPDATE matched no row.
func expectOne(tag pgconn.CommandTag, err error, what string, onMiss error) error {
	if err != nil {
		return wrap(err, what)
	}
	if tag.RowsAffected() == 0 {
		return onMiss
	}
	return nil
}
