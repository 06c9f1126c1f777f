package tx_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sisegod/machina/state"
	"github.com/sisegod/machina/tx"
)

func TestCommitAtomicity(t *testing.T) {
	base := state.New()
	seed := state.NewArtifact("text", "p", "seed")
	base.Set(0, &seed)

	target := base.Clone()
	txn := tx.Begin(target)
	art := state.NewArtifact("table", "p2", "data")
	txn.Working().Set(1, &art)
	txn.Working().Set(0, nil)

	patch, err := txn.Commit(target)
	require.NoError(t, err)
	require.Len(t, patch, 2)

	got0, _ := target.Get(0)
	require.Nil(t, got0)
	got1, _ := target.Get(1)
	require.Equal(t, art, *got1)
}

func TestRollbackLeavesTargetUntouched(t *testing.T) {
	base := state.New()
	seed := state.NewArtifact("text", "p", "seed")
	base.Set(0, &seed)
	target := base.Clone()

	before := target.Clone()
	txn := tx.Begin(target)
	mutated := state.NewArtifact("text", "p", "mutated")
	txn.Working().Set(0, &mutated)
	require.NoError(t, txn.Rollback())

	require.True(t, before.Equal(target))
}

func TestDoubleCommitErrors(t *testing.T) {
	target := state.New()
	txn := tx.Begin(target)
	_, err := txn.Commit(target)
	require.NoError(t, err)
	_, err = txn.Commit(target)
	require.ErrorIs(t, err, tx.ErrAlreadyCommitted)
}

func TestCommitAfterRollbackErrors(t *testing.T) {
	target := state.New()
	txn := tx.Begin(target)
	require.NoError(t, txn.Rollback())
	_, err := txn.Commit(target)
	require.ErrorIs(t, err, tx.ErrAlreadyRolledBack)
}

func TestRollbackAfterCommitErrors(t *testing.T) {
	target := state.New()
	txn := tx.Begin(target)
	_, err := txn.Commit(target)
	require.NoError(t, err)
	err = txn.Rollback()
	require.ErrorIs(t, err, tx.ErrAlreadyCommitted)
}

func TestPatchRoundTrip(t *testing.T) {
	base := state.New()
	seedArt := state.NewArtifact("text", "p", "seed")
	base.Set(0, &seedArt)
	base.Set(2, &seedArt)

	tmp := base.Clone()
	replaced := state.NewArtifact("text", "p", "replaced")
	tmp.Set(0, &replaced)
	tmp.Set(2, nil)
	added := state.NewArtifact("table", "q", "added")
	tmp.Set(5, &added)

	patch := tx.ComputePatch(base, tmp)
	applied, err := tx.Apply(base, patch)
	require.NoError(t, err)
	require.True(t, applied.Equal(tmp))
}

func TestApplyRejectsInvalidPath(t *testing.T) {
	base := state.New()
	_, err := tx.Apply(base, tx.Patch{{Op: tx.OpAdd, Path: "/slots/8"}})
	require.Error(t, err)
	_, err = tx.Apply(base, tx.Patch{{Op: tx.OpAdd, Path: "/bogus/0"}})
	require.Error(t, err)
}

func TestApplyRejectsInvalidOp(t *testing.T) {
	base := state.New()
	_, err := tx.Apply(base, tx.Patch{{Op: "weird", Path: "/slots/0"}})
	require.Error(t, err)
}

func TestParseSlotPath(t *testing.T) {
	k, ok := tx.ParseSlotPath("/slots/3")
	require.True(t, ok)
	require.Equal(t, 3, k)

	_, ok = tx.ParseSlotPath("/slots/8")
	require.False(t, ok)
	_, ok = tx.ParseSlotPath("/slots/-1")
	require.False(t, ok)
	_, ok = tx.ParseSlotPath("/slots/3/extra")
	require.False(t, ok)
}
