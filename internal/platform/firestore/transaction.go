package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	defaultTxAttempts = 3
	defaultTxTimeout  = 10 * time.Second
)

// TxFunc is executed within a Firestore transaction. Returning ErrVersionMismatch aborts without retry.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

type TxOption func(*txConfig)

type txConfig struct {
	attempts int
	timeout  time.Duration
}

// WithTxAttempts overrides how many times Firestore retries commit contention.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout bounds the transaction unless the caller's deadline is already tighter.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// RunTransaction executes fn within a read-write transaction on the provided client.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	switch {
	case client == nil:
		return WrapError("transaction", errors.New("firestore: client is nil"))
	case fn == nil:
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}

	cfg := txConfig{attempts: defaultTxAttempts, timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > cfg.timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	return WrapError("transaction", client.RunTransaction(ctx, fn, firestore.MaxAttempts(cfg.attempts)))
}

// CompareAndUpdate applies updates to document id only while version(current) equals expected.
// A mismatch surfaces as a conflict; a missing document as not found.
func (r *BaseRepository[T]) CompareAndUpdate(ctx context.Context, id string, expected int64, version func(T) int64, updates []firestore.Update) error {
	if version == nil {
		return WrapError(r.op("compare_and_update"), errors.New("firestore: version accessor is nil"))
	}
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docRef, err := r.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		current, err := r.Decode(snap)
		if err != nil {
			return err
		}
		if version(current.Data) != expected {
			return ErrVersionMismatch
		}
		return tx.Update(docRef, updates)
	}, WithTxAttempts(1))
	if err == nil {
		return nil
	}
	var repoErr *Error
	if errors.As(err, &repoErr) {
		repoErr.op = r.op("compare_and_update")
	}
	return err
}
