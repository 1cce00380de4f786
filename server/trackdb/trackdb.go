package trackdb

// Package trackdb owns the location registry and detection log: a SQLite
// database holding every infrastructure location we have ever registered,
// the detections that support them, and per-pass summaries.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// ErrTimeout is returned when the store stayed unavailable through all retry
// attempts. The affected update is deferred to the next pass, never lost
// silently.
var ErrTimeout = errors.New("store timeout")

// ErrConflict is returned when the store is contended (eg SQLITE_BUSY) and
// retries ran out.
var ErrConflict = errors.New("store conflict")

type TrackDB struct {
	Log logs.Log
	DB  *gorm.DB

	// Retry policy for store operations. All operations are bounded; nothing
	// blocks indefinitely.
	OpTimeout   time.Duration
	MaxAttempts int
}

func Open(logger logs.Log, dbFilename string) (*TrackDB, error) {
	os.MkdirAll(filepath.Dir(dbFilename), 0777)
	db, err := dbh.OpenDB(logger, dbh.MakeSqliteConfig(dbFilename), Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open database %v: %w", dbFilename, err)
	}
	return &TrackDB{
		Log:         logger,
		DB:          db,
		OpTimeout:   5 * time.Second,
		MaxAttempts: 3,
	}, nil
}

// withRetry runs 'op' with a per-attempt timeout, retrying contended or
// timed-out operations with exponential backoff, up to MaxAttempts.
func (t *TrackDB) withRetry(ctx context.Context, op func(db *gorm.DB) error) error {
	var lastErr error
	pause := 50 * time.Millisecond
	for attempt := 0; attempt < t.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			case <-time.After(pause):
			}
			pause *= 2
		}
		opCtx, cancel := context.WithTimeout(ctx, t.OpTimeout)
		err := op(t.DB.WithContext(opCtx))
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
		t.Log.Warnf("Store operation failed (attempt %v/%v): %v", attempt+1, t.MaxAttempts, err)
	}
	if isConflict(lastErr) {
		return fmt.Errorf("%w: %v", ErrConflict, lastErr)
	}
	return fmt.Errorf("%w: %v", ErrTimeout, lastErr)
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return isConflict(err)
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
