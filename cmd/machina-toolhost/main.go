// Command machina-toolhost is the Subprocess Tool Host (spec §4.L): a
// separate executable, re-invoked per isolated tool call (single-shot) or
// long-lived (serve), that loads one plugin and dispatches requests to it
// over NDJSON.
//
// Usage:
//
//	machina-toolhost --run <plugin_path> <aid>
//	machina-toolhost --serve <plugin_path>
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sisegod/machina/config"
	"github.com/sisegod/machina/plugin"
	"github.com/sisegod/machina/sysfilter"
	"github.com/sisegod/machina/toolhost"
	"github.com/sisegod/machina/toolreg"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "machina-toolhost:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: machina-toolhost --run <plugin_path> <aid> | --serve <plugin_path>")
	}

	cfg := config.FromEnv()
	if err := installSyscallFilter(cfg); err != nil {
		return err
	}

	switch args[0] {
	case "--run":
		if len(args) != 3 {
			return fmt.Errorf("usage: machina-toolhost --run <plugin_path> <aid>")
		}
		return runOnce(args[1], args[2])
	case "--serve":
		if len(args) != 2 {
			return fmt.Errorf("usage: machina-toolhost --serve <plugin_path>")
		}
		return serve(args[1])
	default:
		return fmt.Errorf("unknown mode %q", args[0])
	}
}

// installSyscallFilter applies the configured profile to this process
// before any plugin is loaded (spec §4.L "Resource limits": "may install
// the syscall filter before exec'ing the plugin"). A process calling
// plugin.Manager.Load after this point can only run code within the
// allowlist; failures here are fatal rather than silently ignored, since a
// filter that fails to install must not be treated as installed.
func installSyscallFilter(cfg config.Config) error {
	if cfg.SyscallProfile == "" {
		return nil
	}
	profile := sysfilter.ProfileStrict
	if cfg.SyscallProfile == "net" {
		profile = sysfilter.ProfileNet
	}
	if err := sysfilter.Install(profile); err != nil {
		return fmt.Errorf("syscall filter not installed: %w", err)
	}
	return nil
}

// loadPlugin loads pluginPath into a fresh registry. The registry is fresh
// per process (single-shot) or per server lifetime (serve): each
// machina-toolhost invocation is scoped to exactly one plugin.
func loadPlugin(pluginPath string) (*toolreg.Registry, error) {
	reg := toolreg.New()
	mgr := plugin.New(reg, plugin.Options{AllowedCapabilities: plugin.CapAll})
	if err := mgr.Load(pluginPath); err != nil {
		return nil, fmt.Errorf("load plugin %q: %w", pluginPath, err)
	}
	return reg, nil
}

// runOnce handles --run. Lease enforcement is intentionally not wired here
// by default: when this process is spawned by goalloop's toolhost.Host for
// an isolated AID, the runner's own lease.Manager already gated and
// consumed the token in goal-loop step 7 (spec §4.J) before dispatch; a
// second, independent lease.Manager in this process would reject that
// already-consumed token. Direct (non-goalloop) invocation wanting its own
// enforcement needs a lease.Manager backed by a store shared with the
// caller (lease.Store documents exactly this cross-process case) — out of
// scope for this CLI until such a shared store is configured.
func runOnce(pluginPath, aid string) error {
	reg, err := loadPlugin(pluginPath)
	if err != nil {
		return err
	}
	engine := toolhost.NewEngine(reg, nil)

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	var req toolhost.Request
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("decode request: %w", err)
		}
	}
	// argv's aid is authoritative: it names which tool this process was
	// spawned to run, per spec §4.L's "--run <plugin_path> <aid>" form.
	req.AID = aid

	resp := engine.Handle(context.Background(), req)
	out, err := toolhost.MarshalResponse(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}

func serve(pluginPath string) error {
	reg, err := loadPlugin(pluginPath)
	if err != nil {
		return err
	}
	engine := toolhost.NewServeEngine(reg, nil)
	return toolhost.Serve(context.Background(), os.Stdin, os.Stdout, engine)
}
