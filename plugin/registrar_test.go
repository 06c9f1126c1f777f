package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sisegod/machina/state"
	"github.com/sisegod/machina/toolreg"
)

func TestRegistrarDescribeRejectsWrongABI(t *testing.T) {
	mgr := New(toolreg.New(), Options{AllowedCapabilities: CapAll})
	r := &registrar{mgr: mgr, path: "p.so"}
	err := r.Describe(Descriptor{ABIVersion: ABIVersion + 1})
	require.Error(t, err)
	require.False(t, r.described)
}

func TestRegistrarDescribeRejectsDisallowedCapability(t *testing.T) {
	mgr := New(toolreg.New(), Options{AllowedCapabilities: CapFileRead})
	r := &registrar{mgr: mgr, path: "p.so"}
	err := r.Describe(Descriptor{ABIVersion: ABIVersion, Capabilities: CapShell})
	require.Error(t, err)
}

func TestRegistrarDescribeDefaultsToCapAllWhenUndeclared(t *testing.T) {
	mgr := New(toolreg.New(), Options{AllowedCapabilities: CapAll})
	r := &registrar{mgr: mgr, path: "p.so"}
	require.NoError(t, r.Describe(Descriptor{ABIVersion: ABIVersion}))
}

func TestRegistrarDescribeRequireDeclarationRejectsZeroMask(t *testing.T) {
	mgr := New(toolreg.New(), Options{AllowedCapabilities: CapAll, RequireDeclaration: true})
	r := &registrar{mgr: mgr, path: "p.so"}
	err := r.Describe(Descriptor{ABIVersion: ABIVersion})
	require.Error(t, err)
}

func TestRegistrarRegisterRequiresDescribeFirst(t *testing.T) {
	mgr := New(toolreg.New(), Options{AllowedCapabilities: CapAll})
	r := &registrar{mgr: mgr, path: "p.so"}
	err := r.Register(toolreg.ToolDesc{AID: "x"}, func(ctx context.Context, ws *state.DSState, in map[string]any) error { return nil })
	require.Error(t, err)
}

func TestRegistrarRegisterSucceedsAfterDescribe(t *testing.T) {
	reg := toolreg.New()
	mgr := New(reg, Options{AllowedCapabilities: CapAll})
	r := &registrar{mgr: mgr, path: "p.so"}
	require.NoError(t, r.Describe(Descriptor{ABIVersion: ABIVersion}))
	err := r.Register(toolreg.ToolDesc{AID: "x"}, func(ctx context.Context, ws *state.DSState, in map[string]any) error { return nil })
	require.NoError(t, err)
	_, ok := reg.Get("x")
	require.True(t, ok)
}
