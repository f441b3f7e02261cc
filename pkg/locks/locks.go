package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/RackerWilliams/otter/pkg/types"
)

var bucketLocks = []byte("locks")

// Default retry behavior for lock holders that contend with other writers.
// Waits are jittered so colliding writers do not retry in lockstep.
const (
	DefaultMaxRetry  = 5
	retryBaseWait    = 3 * time.Second
	retryMaxJitter   = 2 * time.Second
	DefaultStaleTime = 5 * time.Minute
)

type record struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Service hands out advisory locks stored as rows in the same database as
// the data they guard. A lock row is (resource, owner, acquired_at); a row
// older than the stale threshold is treated as abandoned and may be claimed.
type Service struct {
	db         *bolt.DB
	staleAfter time.Duration
	retryWait  time.Duration
	retryJit   time.Duration

	now func() time.Time // test seam
}

// NewService creates the locks bucket if needed and returns a lock service.
func NewService(db *bolt.DB, staleAfter time.Duration) (*Service, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleTime
	}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLocks)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create locks bucket: %w", err)
	}
	return &Service{
		db:         db,
		staleAfter: staleAfter,
		retryWait:  retryBaseWait,
		retryJit:   retryMaxJitter,
		now:        time.Now,
	}, nil
}

// Lock is one acquisition attempt on a named resource. Each Lock has its own
// owner token, so Release only removes the row this Lock wrote.
type Lock struct {
	svc      *Service
	resource string
	owner    string
	maxRetry uint
	log      zerolog.Logger
}

// NewLock returns an unacquired lock on resource. maxRetry is the number of
// additional attempts after the first; zero means try exactly once.
func (s *Service) NewLock(resource string, maxRetry uint, log zerolog.Logger) *Lock {
	return &Lock{
		svc:      s,
		resource: resource,
		owner:    uuid.New().String(),
		maxRetry: maxRetry,
		log:      log.With().Str("lock_resource", resource).Logger(),
	}
}

// Acquire claims the lock, retrying with jittered waits while it is held by
// another owner. Returns BusyLockError once the retry budget is exhausted.
func (l *Lock) Acquire(ctx context.Context) error {
	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return retry.Unrecoverable(err)
		}
		return l.tryAcquire()
	}

	err := retry.Do(
		attempt,
		retry.Attempts(l.maxRetry+1),
		retry.Delay(l.svc.retryWait),
		retry.MaxJitter(l.svc.retryJit),
		retry.DelayType(retry.CombineDelay(retry.FixedDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var busy *types.BusyLockError
			return errors.As(err, &busy)
		}),
	)
	if err != nil {
		l.log.Debug().Err(err).Msg("lock not acquired")
		return err
	}
	return nil
}

func (l *Lock) tryAcquire() error {
	now := l.svc.now()
	return l.svc.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		if data := b.Get([]byte(l.resource)); data != nil {
			var rec record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to decode lock row: %w", err)
			}
			stale := now.Sub(rec.AcquiredAt) > l.svc.staleAfter
			if rec.Owner != l.owner && !stale {
				return &types.BusyLockError{Resource: l.resource}
			}
			if stale {
				l.log.Warn().
					Str("previous_owner", rec.Owner).
					Time("acquired_at", rec.AcquiredAt).
					Msg("claiming stale lock")
			}
		}
		data, err := json.Marshal(record{Owner: l.owner, AcquiredAt: now})
		if err != nil {
			return err
		}
		return b.Put([]byte(l.resource), data)
	})
}

// Heartbeat refreshes acquired_at so a long-held lock does not go stale.
// It fails if the lock is no longer owned by this Lock.
func (l *Lock) Heartbeat() error {
	return l.svc.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get([]byte(l.resource))
		if data == nil {
			return fmt.Errorf("lock on %s lost: row gone", l.resource)
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to decode lock row: %w", err)
		}
		if rec.Owner != l.owner {
			return fmt.Errorf("lock on %s lost: now owned by %s", l.resource, rec.Owner)
		}
		fresh, err := json.Marshal(record{Owner: l.owner, AcquiredAt: l.svc.now()})
		if err != nil {
			return err
		}
		return b.Put([]byte(l.resource), fresh)
	})
}

// Release deletes the lock row if this Lock still owns it. Releasing a lock
// that was claimed by another owner (after going stale) is a no-op.
func (l *Lock) Release() error {
	return l.svc.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get([]byte(l.resource))
		if data == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to decode lock row: %w", err)
		}
		if rec.Owner != l.owner {
			return nil
		}
		return b.Delete([]byte(l.resource))
	})
}

// WithLock acquires the lock, runs fn, and always releases the lock,
// including when fn fails.
func WithLock(ctx context.Context, lock *Lock, fn func() error) error {
	if err := lock.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			lock.log.Error().Err(err).Msg("failed to release lock")
		}
	}()
	return fn()
}
