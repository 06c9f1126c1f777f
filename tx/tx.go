package tx

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sisegod/machina/state"
)

// ErrAlreadyCommitted is returned by Commit/Rollback once a Tx has already
// committed.
var ErrAlreadyCommitted = errors.New("tx: already committed")

// ErrAlreadyRolledBack is returned by Commit/Rollback once a Tx has already
// rolled back.
var ErrAlreadyRolledBack = errors.New("tx: already rolled back")

type txStatus int32

const (
	statusOpen txStatus = iota
	statusCommitted
	statusRolledBack
)

// Tx is an ephemeral transaction created from a base DSState. It holds a
// mutable working copy (tmp) that the caller's tool invoker mutates directly.
// Tx is not shareable across threads: the caller must hold an exclusive
// reference to both Tx and the target DSState for its lifetime.
type Tx struct {
	base   *state.DSState
	tmp    *state.DSState
	status atomic.Int32
}

// Begin creates a new Tx from base, copying it into tmp.
func Begin(base *state.DSState) *Tx {
	return &Tx{base: base, tmp: base.Clone()}
}

// Working returns the transaction's mutable working state. Tool invokers
// mutate this directly; it only becomes visible to other callers on Commit.
func (t *Tx) Working() *state.DSState { return t.tmp }

// Commit requires exclusive access to target: it computes the patch
// base->tmp, assigns tmp to target, and returns the patch. A Tx can only
// commit once; committing after rollback (or twice) is an error.
func (t *Tx) Commit(target *state.DSState) (Patch, error) {
	if !t.status.CompareAndSwap(int32(statusOpen), int32(statusCommitted)) {
		if txStatus(t.status.Load()) == statusRolledBack {
			return nil, fmt.Errorf("tx: commit: %w", ErrAlreadyRolledBack)
		}
		return nil, fmt.Errorf("tx: commit: %w", ErrAlreadyCommitted)
	}
	patch := ComputePatch(t.base, t.tmp)
	*target = *t.tmp.Clone()
	return patch, nil
}

// Rollback discards tmp. Safe to call even if the Tx never mutated anything;
// an error is returned only if the Tx already committed or rolled back.
func (t *Tx) Rollback() error {
	if !t.status.CompareAndSwap(int32(statusOpen), int32(statusRolledBack)) {
		if txStatus(t.status.Load()) == statusCommitted {
			return fmt.Errorf("tx: rollback: %w", ErrAlreadyCommitted)
		}
		return fmt.Errorf("tx: rollback: %w", ErrAlreadyRolledBack)
	}
	return nil
}
