package toolhost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/sisegod/machina/errs"
	"github.com/sisegod/machina/state"
)

// ResourceLimits mirrors selector.ResourceLimits (spec §4.H "Hardening"):
// best-effort ulimits applied to the spawned tool-host child via a /bin/sh
// wrapper, since os/exec has no pre-exec rlimit hook. Duplicated here rather
// than imported because selector's ulimitArgs is unexported and the two
// child kinds (external selector, tool host) are spawned by independent
// packages per spec §4.H/§4.L.
type ResourceLimits struct {
	CPUSeconds     int
	AddressSpaceMB int
	MaxFileSizeMB  int
	MaxOpenFiles   int
	MaxChildProcs  int
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

// HostOptions configures a Host.
type HostOptions struct {
	// BinaryPath is the tool-host executable to spawn; typically
	// os.Args[0] (this same binary, re-invoked in --run mode).
	BinaryPath string
	// PluginPath is the plugin shared object the child loads before
	// dispatching.
	PluginPath string
	Timeout    time.Duration
	// MaxOutputBytes bounds how much of the child's stdout/stderr is
	// retained for error reporting.
	MaxOutputBytes int
	Limits         ResourceLimits
	// InstallSyscallFilter, if set, is applied to the child's *exec.Cmd
	// before Start (spec §4.M).
	InstallSyscallFilter func(*exec.Cmd)
}

func (o *HostOptions) withDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = 64 * 1024
	}
}

// Host is the client side of the subprocess tool host (spec §4.L
// single-shot mode): it implements goalloop.ToolHost by spawning one child
// process per Invoke call, grounded on selector.ProcessSource's hardening
// pattern (selector/process.go) but speaking the NDJSON request/response
// protocol over stdin/stdout instead of an argv payload file.
type Host struct {
	opts HostOptions
}

// NewHost constructs a Host.
func NewHost(opts HostOptions) *Host {
	opts.withDefaults()
	return &Host{opts: opts}
}

// Invoke implements goalloop.ToolHost.
func (h *Host) Invoke(ctx context.Context, aid string, ws *state.DSState, input map[string]any) error {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return errs.New(errs.KindToolError, "toolhost.Invoke", fmt.Errorf("marshal input: %w", err))
	}

	req := Request{AID: aid, InputJSON: string(inputJSON), DSState: snapshot(ws)}
	reqJSON, err := MarshalRequest(req)
	if err != nil {
		return errs.New(errs.KindToolError, "toolhost.Invoke", fmt.Errorf("marshal request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	args := []string{"--run", h.opts.PluginPath, aid}
	var cmd *exec.Cmd
	if ulimits := h.opts.Limits.ulimitArgs(); len(ulimits) > 0 {
		script := strings.Join(ulimits, "; ") + `; exec "$0" "$@"`
		cmd = exec.CommandContext(ctx, "/bin/sh", append([]string{"-c", script, h.opts.BinaryPath}, args...)...)
	} else {
		cmd = exec.CommandContext(ctx, h.opts.BinaryPath, args...)
	}
	if h.opts.InstallSyscallFilter != nil {
		h.opts.InstallSyscallFilter(cmd)
	}
	cmd.Stdin = bytes.NewReader(reqJSON)

	var out, errOut bytes.Buffer
	cmd.Stdout = &capWriter{w: &out, max: h.opts.MaxOutputBytes}
	cmd.Stderr = &capWriter{w: &errOut, max: h.opts.MaxOutputBytes}

	if err := cmd.Run(); err != nil {
		return errs.New(errs.KindToolError, "toolhost.Invoke", fmt.Errorf("subprocess failed: %w: %s", err, errOut.String()))
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		return errs.New(errs.KindToolError, "toolhost.Invoke", fmt.Errorf("decode response: %w", err))
	}

	switch {
	case resp.OK:
		applyWire(ws, resp.DSState)
		return nil
	case resp.Status == StatusInvalidPick:
		return errs.New(errs.KindInvalidPick, "toolhost.Invoke", fmt.Errorf("%s", resp.Error))
	case resp.Error == "lease_required":
		return errs.New(errs.KindLeaseRequired, "toolhost.Invoke", fmt.Errorf("lease required for %s", aid))
	case strings.HasPrefix(resp.Error, "lease_rejected"):
		return errs.New(errs.KindLeaseRejected, "toolhost.Invoke", fmt.Errorf("%s", resp.Error))
	default:
		return errs.New(errs.KindToolError, "toolhost.Invoke", fmt.Errorf("%s", resp.Error))
	}
}

// capWriter bounds how many bytes are retained from one of the child's
// output streams; Invoke gives stdout and stderr one each (mirrors
// selector.capWriter).
type capWriter struct {
	w   io.Writer
	max int
	n   int
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
