package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alexjbarnes/gate/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.gate/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var pkceBucket = []byte("pkce_state")

// Bolt is a Store persisted to a local bbolt file, so logins in progress
// survive a gateway restart. A bolt file is locked by one process, which
// limits this backend to single-replica deployments.
type Bolt struct {
	db     *bolt.DB
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
	stopGC chan struct{}
	once   sync.Once
}

// OpenBolt opens a state database at the given path, creating it if it
// does not exist, and starts the background sweep.
func OpenBolt(path string, ttl time.Duration, logger *slog.Logger) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pkceBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	b := &Bolt{
		db:     db,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
		stopGC: make(chan struct{}),
	}
	go gcLoop(cleanupInterval, b.stopGC, b.sweep)

	return b, nil
}

// Close stops the sweep and closes the database.
func (b *Bolt) Close() error {
	b.once.Do(func() { close(b.stopGC) })
	return b.db.Close()
}

// Save stores the flow state under its state token.
func (b *Bolt) Save(_ context.Context, st *models.FlowState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshalling flow state: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pkceBucket).Put([]byte(st.StateToken), data)
	})
}

// Pop retrieves and deletes the entry for token in one read-write
// transaction. bbolt serializes writers, so two concurrent Pops of the
// same token cannot both succeed.
func (b *Bolt) Pop(_ context.Context, token string) (*models.FlowState, error) {
	var st *models.FlowState

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pkceBucket)

		v := bucket.Get([]byte(token))
		if v == nil {
			return nil
		}

		var decoded models.FlowState
		if err := json.Unmarshal(v, &decoded); err != nil {
			return fmt.Errorf("decoding flow state: %w", err)
		}

		st = &decoded

		return bucket.Delete([]byte(token))
	})
	if err != nil {
		return nil, err
	}

	if st == nil || st.Expired(b.now(), b.ttl) {
		return nil, ErrNotFound
	}

	return st, nil
}

// Sweep removes all entries older than the TTL at now.
func (b *Bolt) Sweep(now time.Time) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pkceBucket)

		var expired [][]byte

		err := bucket.ForEach(func(k, v []byte) error {
			var st models.FlowState
			if err := json.Unmarshal(v, &st); err != nil || st.Expired(now, b.ttl) {
				expired = append(expired, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		// Deleting inside ForEach invalidates the cursor.
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

func (b *Bolt) sweep(now time.Time) {
	if err := b.Sweep(now); err != nil {
		b.logger.Warn("sweeping state db", slog.String("error", err.Error()))
	}
}

// Len returns the number of stored entries, expired or not.
func (b *Bolt) Len() int {
	n := 0

	_ = b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(pkceBucket).Stats().KeyN
		return nil
	})

	return n
}
