package model_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sisegod/machina/menu"
	"github.com/sisegod/machina/selector"
	"github.com/sisegod/machina/selector/model"
)

type stubCompleter struct {
	out string
	err error
}

func (s stubCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return s.out, s.err
}

func TestSourceParsesCompletionIntoSelection(t *testing.T) {
	m := menu.New([]menu.Item{{AID: "search"}})
	src := model.New(stubCompleter{out: "<PICK>SID0001<END>"})

	sel, err := src.Select(context.Background(), selector.Request{Menu: m})
	require.NoError(t, err)
	require.Equal(t, selector.KindPick, sel.Kind)
	require.Equal(t, "SID0001", sel.SID)
}

func TestSourcePropagatesCompleterError(t *testing.T) {
	m := menu.New([]menu.Item{{AID: "search"}})
	src := model.New(stubCompleter{err: context.DeadlineExceeded})

	_, err := src.Select(context.Background(), selector.Request{Menu: m})
	require.Error(t, err)
}

func TestSourceInvalidCompletionYieldsInvalidSelection(t *testing.T) {
	m := menu.New([]menu.Item{{AID: "search"}})
	src := model.New(stubCompleter{out: "not a valid block"})

	sel, err := src.Select(context.Background(), selector.Request{Menu: m})
	require.NoError(t, err)
	require.Equal(t, selector.KindInvalid, sel.Kind)
}
