package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/graphkv/pkg/graph"
	"github.com/orneryd/graphkv/pkg/keys"
)

// TransactionStatus represents the current state of a transaction.
type TransactionStatus string

const (
	TxStatusActive     TransactionStatus = "active"
	TxStatusCommitted  TransactionStatus = "committed"
	TxStatusRolledBack TransactionStatus = "rolled_back"
)

// Coordinator is the commit boundary. It applies delta sets atomically and
// carries no graph logic of its own.
//
// Reads made through a Txn are tracked by badger's optimistic conflict
// detection, so a delta set computed from them commits only if nothing it read
// changed underneath it. Otherwise Commit reports graph.ErrConflict and the
// caller recomputes.
type Coordinator struct {
	engine *BadgerEngine

	// beforeStage, when set, runs before each delta is staged. A non-nil
	// return aborts the batch.
	beforeStage func(i int, d keys.Delta) error
}

// NewCoordinator returns a coordinator over the engine.
func NewCoordinator(engine *BadgerEngine) *Coordinator {
	return &Coordinator{engine: engine}
}

// Txn is one read-write badger transaction. It satisfies index.Reader so the
// index manager can compute deltas against the same snapshot they commit in.
//
// Badger allows a single open iterator per read-write transaction; Scan
// callbacks must not call back into the Txn.
type Txn struct {
	executor

	mu      sync.Mutex
	coord   *Coordinator
	status  TransactionStatus
	started time.Time
	staged  int
	failed  error
}

// Begin starts an explicit read-write transaction. The caller must end it
// with Commit or Discard.
func (c *Coordinator) Begin() (*Txn, error) {
	if err := c.engine.checkOpen(); err != nil {
		return nil, err
	}
	return &Txn{
		executor: executor{
			txn:     c.engine.db.NewTransaction(true),
			logger:  c.engine.logger,
			metrics: c.engine.metrics,
		},
		coord:   c,
		status:  TxStatusActive,
		started: time.Now(),
	}, nil
}

// Stage buffers deltas in the transaction. They become visible to other
// readers only on Commit. A staging failure poisons the transaction: Commit
// will discard it and return that failure.
func (tx *Txn) Stage(deltas []keys.Delta) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != TxStatusActive {
		return graph.ErrTransactionClosed
	}
	if tx.failed != nil {
		return tx.failed
	}

	for i, d := range deltas {
		if hook := tx.coord.beforeStage; hook != nil {
			if err := hook(tx.staged+i, d); err != nil {
				tx.failed = err
				return err
			}
		}
		var err error
		if d.Delete {
			err = tx.txn.Delete(d.Key)
		} else {
			err = tx.txn.Set(d.Key, d.Value)
		}
		if err != nil {
			tx.failed = engineError("stage", err)
			return tx.failed
		}
	}
	tx.staged += len(deltas)
	return nil
}

// Staged returns the number of deltas staged so far.
func (tx *Txn) Staged() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.staged
}

// Commit applies every staged delta atomically.
func (tx *Txn) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != TxStatusActive {
		return graph.ErrTransactionClosed
	}

	log := tx.coord.engine.logger.WithFields(logrus.Fields{
		"action": "commit",
		"deltas": tx.staged,
	})

	if tx.failed != nil {
		tx.txn.Discard()
		tx.status = TxStatusRolledBack
		tx.metrics.commitFailed()
		log.WithError(tx.failed).Debug("transaction aborted before commit")
		return tx.failed
	}

	if err := tx.txn.Commit(); err != nil {
		tx.status = TxStatusRolledBack
		err = engineError("commit", err)
		switch {
		case errors.Is(err, graph.ErrConflict):
			tx.metrics.conflict()
			log.Debug("write conflict")
		case graph.IsIOError(err):
			tx.metrics.commitFailed()
			log.WithError(err).Error("commit failed")
		default:
			tx.metrics.commitFailed()
			log.WithError(err).Warn("commit rejected")
		}
		return err
	}

	tx.status = TxStatusCommitted
	tx.metrics.committed(tx.staged, time.Since(tx.started))
	log.Debug("committed")
	return nil
}

// Discard abandons the transaction. Discarding an ended transaction is a no-op.
func (tx *Txn) Discard() {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != TxStatusActive {
		return
	}
	tx.txn.Discard()
	tx.status = TxStatusRolledBack
}

// Status returns the transaction state.
func (tx *Txn) Status() TransactionStatus {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// Update runs fn inside a fresh transaction and commits what it staged. If fn
// returns an error nothing is written.
func (c *Coordinator) Update(fn func(tx *Txn) error) error {
	tx, err := c.Begin()
	if err != nil {
		return err
	}
	defer tx.Discard()

	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

// UpdateWithRetry is Update that re-runs fn, recomputing its deltas, when the
// commit loses a write conflict. At most maxRetries extra attempts are made.
func (c *Coordinator) UpdateWithRetry(ctx context.Context, maxRetries int, fn func(tx *Txn) error) error {
	if maxRetries <= 0 {
		return c.Update(fn)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Millisecond
	policy.MaxInterval = 100 * time.Millisecond

	attempt := 0
	op := func() error {
		attempt++
		err := c.Update(fn)
		if err == nil || errors.Is(err, graph.ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		c.engine.logger.WithFields(logrus.Fields{
			"action":  "retry",
			"attempt": attempt,
			"wait":    wait,
		}).Debug("recomputing after write conflict")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries)), ctx)
	return backoff.RetryNotify(op, b, notify)
}

// Apply commits a precomputed delta set as one atomic unit.
func (c *Coordinator) Apply(deltas []keys.Delta) error {
	return c.Update(func(tx *Txn) error {
		return tx.Stage(deltas)
	})
}
