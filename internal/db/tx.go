package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/resilience"
)

// Postgres SQLSTATE codes that indicate the transaction can simply be re-run.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
)

// TxOptions controls InTx retry behavior.
type TxOptions struct {
	MaxAttempts int
	// RetryOnUnique lists constraint names whose unique violations are
	// treated as a lost race rather than a data error.
	RetryOnUnique []string
	IsoLevel      pgx.TxIsoLevel
}

// InTx runs fn inside a transaction and commits it. Serialization failures,
// deadlocks, lock timeouts and unique violations on the listed constraints
// roll back and re-run fn from the start.
func InTx(ctx context.Context, pool Pool, opts TxOptions, fn func(tx pgx.Tx) error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}

	p := resilience.Policy{
		Attempts: opts.MaxAttempts,
		Base:     20 * time.Millisecond,
		Max:      time.Second,
		Jitter:   0.5,
		Retryable: func(err error) bool {
			return IsRetryable(err, opts.RetryOnUnique...)
		},
		OnRetry: func(attempt int, err error, wait time.Duration) {
			zap.L().Debug("db: retrying transaction",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		},
	}

	return resilience.Retry(ctx, p, func(ctx context.Context) error {
		return runTx(ctx, pool, opts.IsoLevel, fn)
	})
}

func runTx(ctx context.Context, pool Pool, iso pgx.TxIsoLevel, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if iso != "" {
		if _, err := tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL "+string(iso)); err != nil {
			return eris.Wrap(err, "db: set isolation level")
		}
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "db: commit tx")
	}
	return nil
}

// IsRetryable reports whether err is a Postgres error that a fresh attempt
// of the same transaction could resolve.
func IsRetryable(err error, uniqueConstraints ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	case codeUniqueViolation:
		for _, c := range uniqueConstraints {
			if pgErr.ConstraintName == c {
				return true
			}
		}
	}
	return false
}

// IsUniqueViolation reports whether err is a unique violation, optionally on
// a specific constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != codeUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
