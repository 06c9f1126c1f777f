package selector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sisegod/machina/menu"
)

// ResourceLimits are best-effort limits applied to the external selector
// child process (spec §4.H "Hardening"). They are enforced via a /bin/sh
// ulimit wrapper rather than cgo, since the standard library's os/exec has
// no pre-exec rlimit hook.
type ResourceLimits struct {
	CPUSeconds      int // ulimit -t
	AddressSpaceMB  int // ulimit -v
	MaxFileSizeMB   int // ulimit -f
	MaxOpenFiles    int // ulimit -n
	MaxChildProcs   int // ulimit -u
}

func (r ResourceLimits) ulimitArgs() []string {
	var parts []string
	if r.CPUSeconds > 0 {
		parts = append(parts, fmt.Sprintf("ulimit -t %d", r.CPUSeconds))
	}
	if r.AddressSpaceMB > 0 {
		parts = append(parts, fmt.Sprintf("ulimit -v %d", r.AddressSpaceMB*1024))
	}
	if r.MaxFileSizeMB > 0 {
		parts = append(parts, fmt.Sprintf("ulimit -f %d", r.MaxFileSizeMB*1024))
	}
	if r.MaxOpenFiles > 0 {
		parts = append(parts, fmt.Sprintf("ulimit -n %d", r.MaxOpenFiles))
	}
	if r.MaxChildProcs > 0 {
		parts = append(parts, fmt.Sprintf("ulimit -u %d", r.MaxChildProcs))
	}
	return parts
}

// ProcessOptions configures a ProcessSource.
type ProcessOptions struct {
	// Command is the interpreter/binary to invoke; its basename must appear
	// in AllowedExecutables.
	Command string
	// Args are extra arguments placed before the payload path.
	Args []string
	// AllowedExecutables is the basename allow-list. Defaults to common
	// script interpreters if empty.
	AllowedExecutables []string
	// AllowedScriptRoot, if set, requires every path-like argument in Args
	// to canonicalize under this directory; escapes via ".." or symlinks are
	// rejected. Command itself is checked only against AllowedExecutables.
	AllowedScriptRoot string
	Timeout           time.Duration
	MaxOutputBytes    int
	Limits            ResourceLimits
	// PayloadDir is where per-call JSON payload files are written.
	PayloadDir string
	// InstallSyscallFilter, if set, is called in the parent process with the
	// fully configured *exec.Cmd just before it is started; it runs no code
	// inside the child.
	InstallSyscallFilter func(*exec.Cmd)
	// RateLimitPerSec and RateLimitBurst bound how many subprocess spawns
	// per second Select permits; zero disables rate limiting. Mirrors the
	// load-rate limiter in package plugin.
	RateLimitPerSec float64
	RateLimitBurst  int
}

func (o *ProcessOptions) withDefaults() {
	if len(o.AllowedExecutables) == 0 {
		o.AllowedExecutables = []string{"python3", "python", "node", "bash", "sh"}
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = 64 * 1024
	}
	if o.PayloadDir == "" {
		o.PayloadDir = os.TempDir()
	}
}

// ProcessSource is the external-process policy selector (spec §4.H
// "External selector (process)"): it writes a JSON payload file, spawns the
// configured command with the payload path as argv[1], enforces hardening
// (allow-list, path canonicalization, resource limits, process group and
// parent-death signal, timeout, output cap), and parses the result via
// ParseOutput. It does not set no_new_privs on the child.
type ProcessSource struct {
	opts    ProcessOptions
	limiter *rate.Limiter
}

// NewProcessSource validates opts and returns a ProcessSource.
func NewProcessSource(opts ProcessOptions) (*ProcessSource, error) {
	opts.withDefaults()
	if err := validateExecutable(opts.Command, opts.AllowedExecutables); err != nil {
		return nil, err
	}
	if opts.AllowedScriptRoot != "" && len(opts.Args) > 0 {
		for _, a := range opts.Args {
			if looksLikePath(a) {
				if err := validateUnderRoot(a, opts.AllowedScriptRoot); err != nil {
					return nil, err
				}
			}
		}
	}
	var limiter *rate.Limiter
	if opts.RateLimitPerSec > 0 {
		burst := opts.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitPerSec), burst)
	}
	return &ProcessSource{opts: opts, limiter: limiter}, nil
}

func validateExecutable(command string, allowed []string) error {
	base := filepath.Base(command)
	for _, a := range allowed {
		if base == a {
			return nil
		}
	}
	return fmt.Errorf("selector: executable %q (basename %q) is not in the allow-list", command, base)
}

func looksLikePath(s string) bool {
	return strings.Contains(s, "/") || strings.HasSuffix(s, ".py") || strings.HasSuffix(s, ".js") || strings.HasSuffix(s, ".sh")
}

// validateUnderRoot canonicalizes path and requires it to resolve under
// root, rejecting ".." escapes and symlink escapes.
func validateUnderRoot(path, root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("selector: resolve allowed script root: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return fmt.Errorf("selector: resolve allowed script root: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("selector: resolve script path %q: %w", path, err)
	}
	resolvedPath := absPath
	if _, err := os.Lstat(absPath); err == nil {
		if rp, err := filepath.EvalSymlinks(absPath); err == nil {
			resolvedPath = rp
		}
	}

	rel, err := filepath.Rel(resolvedRoot, resolvedPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("selector: script path %q escapes allowed root %q", path, root)
	}
	return nil
}

// payload is the JSON document written for the external selector's argv[1].
type payload struct {
	GoalDigest  string         `json:"goal_digest"`
	StateDigest string         `json:"state_digest"`
	ControlMode string         `json:"control_mode"`
	Inputs      map[string]any `json:"inputs"`
	Menu        []menu.Item    `json:"menu"`
}

// Select implements Source by spawning the configured subprocess.
func (p *ProcessSource) Select(ctx context.Context, req Request) (Selection, error) {
	if p.limiter != nil && !p.limiter.Allow() {
		return Selection{Kind: KindInvalid}, fmt.Errorf("selector: subprocess rate limit exceeded for %q", p.opts.Command)
	}

	items := []menu.Item{}
	if req.Menu != nil {
		items = req.Menu.Items
	}
	pl := payload{
		GoalDigest:  req.GoalDigest,
		StateDigest: req.StateDigest,
		ControlMode: string(req.ControlMode),
		Inputs:      req.Inputs,
		Menu:        items,
	}
	data, err := json.Marshal(pl)
	if err != nil {
		return Selection{Kind: KindInvalid}, fmt.Errorf("selector: marshal payload: %w", err)
	}

	f, err := os.CreateTemp(p.opts.PayloadDir, "machina-selector-*.json")
	if err != nil {
		return Selection{Kind: KindInvalid}, fmt.Errorf("selector: create payload file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return Selection{Kind: KindInvalid}, fmt.Errorf("selector: write payload file: %w", err)
	}
	f.Close()

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	args := append(append([]string{}, p.opts.Args...), f.Name())
	var cmd *exec.Cmd
	if ulimits := p.opts.Limits.ulimitArgs(); len(ulimits) > 0 {
		script := strings.Join(ulimits, "; ") + `; exec "$0" "$@"`
		cmd = exec.CommandContext(ctx, "/bin/sh", append([]string{"-c", script, p.opts.Command}, args...)...)
	} else {
		cmd = exec.CommandContext(ctx, p.opts.Command, args...)
	}
	applyHardening(cmd)
	if p.opts.InstallSyscallFilter != nil {
		p.opts.InstallSyscallFilter(cmd)
	}

	var out bytes.Buffer
	cmd.Stdout = &capWriter{w: &out, max: p.opts.MaxOutputBytes}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Run(); err != nil {
		return Selection{Kind: KindInvalid}, fmt.Errorf("selector: external process failed: %w", err)
	}

	raw := out.String()
	if strings.TrimSpace(raw) == "" {
		return Selection{Kind: KindInvalid, Raw: raw}, fmt.Errorf("selector: external process produced empty output")
	}
	return ParseOutput(raw, req.Menu), nil
}

// capWriter bounds how many bytes are retained from a child's combined
// stdout/stderr stream.
type capWriter struct {
	w      io.Writer
	max    int
	n      int
}

func (c *capWriter) Write(p []byte) (int, error) {
	if c.n >= c.max {
		return len(p), nil
	}
	remaining := c.max - c.n
	if remaining > len(p) {
		remaining = len(p)
	}
	n, err := c.w.Write(p[:remaining])
	c.n += n
	return len(p), err
}
