package menu_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sisegod/machina/menu"
)

func TestNewAssignsStableSIDs(t *testing.T) {
	m := menu.New([]menu.Item{
		{AID: "search", Name: "Search"},
		{AID: "write", Name: "Write"},
	})
	require.Equal(t, "SID0001", m.Items[0].SID)
	require.Equal(t, "SID0002", m.Items[1].SID)

	item, ok := m.ByDisplaySID("SID0002")
	require.True(t, ok)
	require.Equal(t, "write", item.AID)

	_, ok = m.ByDisplaySID("SID9999")
	require.False(t, ok)
}

func TestDigestDeterministicAcrossTagOrder(t *testing.T) {
	m1 := menu.New([]menu.Item{{AID: "a", Tags: []string{"x", "y"}}})
	m2 := menu.New([]menu.Item{{AID: "a", Tags: []string{"y", "x"}}})

	d1, err := m1.Digest()
	require.NoError(t, err)
	d2, err := m2.Digest()
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestDigestChangesWithContent(t *testing.T) {
	m1 := menu.New([]menu.Item{{AID: "a"}})
	m2 := menu.New([]menu.Item{{AID: "b"}})
	d1, _ := m1.Digest()
	d2, _ := m2.Digest()
	require.NotEqual(t, d1, d2)
}
