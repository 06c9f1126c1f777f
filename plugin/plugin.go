// Package plugin implements the plugin manager (spec §4.F): dynamic tool
// loading with ABI version checking, SHA-256 hash pinning (constant-time
// compared), and a capability bitmask gate. Loading uses Go's plugin
// package, so this manager only functions on platforms plugin.Open supports
// (linux/darwin, cgo-enabled); the host is expected to restrict dynamic
// loading to those builds per spec §9's prod-default guidance ("prod
// defaults SHOULD ... disable dynamic code-generation plugins").
package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sync"

	"golang.org/x/time/rate"

	"github.com/sisegod/machina/errs"
	"github.com/sisegod/machina/toolreg"
	"github.com/sisegod/machina/xcrypto"
)

// Capability is a single bit in the capability bitmask (spec §4.F).
type Capability uint8

const (
	CapFileRead Capability = 1 << iota
	CapFileWrite
	CapShell
	CapNetwork
	CapMemory
	CapGenesis
	CapGPU

	// CapAll is the default mask assumed for a plugin that declares no
	// capabilities at all ("backwards compatible"), unless the host is
	// configured to require declaration.
	CapAll Capability = CapFileRead | CapFileWrite | CapShell | CapNetwork | CapMemory | CapGenesis | CapGPU
)

// ABIVersion is the host's current plugin ABI version. A plugin must
// declare this exact value to load.
const ABIVersion = 1

// EntrypointSymbol is the symbol name every plugin .so must export: a function of
// this shape, called once at load time with a Registrar to register its
// tools.
const EntrypointSymbol = "MachinaPluginInit"

// EntrypointFunc is the signature plugins export under EntrypointSymbol.
type EntrypointFunc func(Registrar) error

// Descriptor is metadata a plugin's init function reports about itself
// before registering any tools, used for the ABI and capability checks.
type Descriptor struct {
	ABIVersion   int
	Capabilities Capability
}

// Registrar is the host-provided callback a plugin uses to register tools
// into the host's toolreg.Registry. Describe must be called first.
type Registrar interface {
	Describe(d Descriptor) error
	Register(desc toolreg.ToolDesc, invoker toolreg.Invoker) error
}

// Options configures a Manager.
type Options struct {
	AllowedCapabilities Capability
	// RequireDeclaration, when true, rejects plugins that report zero
	// capabilities rather than defaulting them to CapAll.
	RequireDeclaration bool
	// PinnedHashes maps a plugin file path to its expected SHA-256 hex
	// digest. A path with no entry skips hash pinning.
	PinnedHashes map[string]string
	// RateLimitPerSec and RateLimitBurst bound how many plugin loads per
	// second the manager permits; zero disables rate limiting.
	RateLimitPerSec float64
	RateLimitBurst  int
}

// Manager loads plugin shared objects into a toolreg.Registry, gated by ABI
// version, hash pinning, and capability bitmask.
type Manager struct {
	mu       sync.Mutex
	opts     Options
	registry *toolreg.Registry
	loaded   map[string]struct{}
	limiter  *rate.Limiter
}

// New constructs a Manager that registers loaded tools into reg.
func New(reg *toolreg.Registry, opts Options) *Manager {
	var limiter *rate.Limiter
	if opts.RateLimitPerSec > 0 {
		burst := opts.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitPerSec), burst)
	}
	return &Manager{
		opts:     opts,
		registry: reg,
		loaded:   make(map[string]struct{}),
		limiter:  limiter,
	}
}

type registrar struct {
	mgr        *Manager
	path       string
	described  bool
	desc       Descriptor
}

func (r *registrar) Describe(d Descriptor) error {
	if d.ABIVersion != ABIVersion {
		return errs.New(errs.KindPluginLoadFailure, "plugin.Describe",
			fmt.Errorf("plugin %q declares ABI version %d, host requires %d", r.path, d.ABIVersion, ABIVersion))
	}
	caps := d.Capabilities
	if caps == 0 && !r.mgr.opts.RequireDeclaration {
		caps = CapAll
	}
	if caps&^r.mgr.opts.AllowedCapabilities != 0 {
		return errs.New(errs.KindPluginLoadFailure, "plugin.Describe",
			fmt.Errorf("plugin %q declares capabilities %#x outside allowed mask %#x", r.path, caps, r.mgr.opts.AllowedCapabilities))
	}
	r.desc = d
	r.described = true
	return nil
}

func (r *registrar) Register(desc toolreg.ToolDesc, invoker toolreg.Invoker) error {
	if !r.described {
		return errs.New(errs.KindPluginLoadFailure, "plugin.Register",
			fmt.Errorf("plugin %q registered a tool before calling Describe", r.path))
	}
	return r.mgr.registry.Register(desc, invoker, false)
}

// Load loads the plugin at path, verifying its hash pin (if configured),
// calling its entrypoint with a Registrar, and recording the path as loaded
// on success so it is not reloaded.
func (m *Manager) Load(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(path)
}

func (m *Manager) loadLocked(path string) error {
	if _, ok := m.loaded[path]; ok {
		return nil
	}
	if m.limiter != nil && !m.limiter.Allow() {
		return errs.New(errs.KindPluginLoadFailure, "plugin.Load", fmt.Errorf("rate limit exceeded for %q", path))
	}
	if want, ok := m.opts.PinnedHashes[path]; ok {
		f, err := os.Open(path)
		if err != nil {
			return errs.New(errs.KindPluginLoadFailure, "plugin.Load", fmt.Errorf("opening %q for hashing: %w", path, err))
		}
		got, err := xcrypto.SHA256File(f)
		f.Close()
		if err != nil {
			return errs.New(errs.KindPluginLoadFailure, "plugin.Load", fmt.Errorf("hashing %q: %w", path, err))
		}
		if !xcrypto.ConstantTimeEqualHex(got, want) {
			return errs.New(errs.KindPluginLoadFailure, "plugin.Load", fmt.Errorf("hash mismatch for %q", path))
		}
	}

	p, err := plugin.Open(path)
	if err != nil {
		return errs.New(errs.KindPluginLoadFailure, "plugin.Load", fmt.Errorf("open %q: %w", path, err))
	}
	sym, err := p.Lookup(EntrypointSymbol)
	if err != nil {
		return errs.New(errs.KindPluginLoadFailure, "plugin.Load", fmt.Errorf("lookup %q in %q: %w", EntrypointSymbol, path, err))
	}
	entry, ok := sym.(func(Registrar) error)
	if !ok {
		return errs.New(errs.KindPluginLoadFailure, "plugin.Load", fmt.Errorf("%q has wrong entrypoint signature", path))
	}

	reg := &registrar{mgr: m, path: path}
	if err := entry(reg); err != nil {
		return errs.New(errs.KindPluginLoadFailure, "plugin.Load", fmt.Errorf("init %q: %w", path, err))
	}

	m.loaded[path] = struct{}{}
	return nil
}

// LoadNewFromDir scans dir (non-recursively) for candidate plugin files
// (".so") not yet loaded, loading each in turn, and returns the count
// successfully loaded. A single file's failure is returned immediately;
// already-loaded files are silently skipped (spec §4.F "load_new_from_dir").
func (m *Manager) LoadNewFromDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errs.New(errs.KindPluginLoadFailure, "plugin.LoadNewFromDir", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".so" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if _, ok := m.loaded[path]; ok {
			continue
		}
		if err := m.loadLocked(path); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// IsLoaded reports whether path has already been loaded successfully.
func (m *Manager) IsLoaded(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loaded[path]
	return ok
}
