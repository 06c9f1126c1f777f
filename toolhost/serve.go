package toolhost

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// RunOnce implements single-shot mode (spec §4.L "--run <plugin_path>
// <aid>"): reads exactly one JSON Request from r, handles it, and writes
// exactly one JSON Response to w.
func RunOnce(ctx context.Context, r io.Reader, w io.Writer, engine *Engine) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("toolhost: read request: %w", err)
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		resp := errResponse(fmt.Errorf("decode request: %w", err))
		out, _ := MarshalResponse(resp)
		_, werr := w.Write(out)
		return werr
	}

	resp := engine.Handle(ctx, req)
	out, err := MarshalResponse(resp)
	if err != nil {
		return fmt.Errorf("toolhost: marshal response: %w", err)
	}
	_, err = w.Write(out)
	return err
}

// Serve implements serve mode (spec §4.L "--serve <plugin_path>"): reads one
// JSON Request per line from r until EOF, writing one JSON Response per line
// to w. engine.Cache, if set, deduplicates by idempotency_key across the
// whole session, which is the point of serve mode over repeated RunOnce
// calls.
func Serve(ctx context.Context, r io.Reader, w io.Writer, engine *Engine) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = errResponse(fmt.Errorf("decode request: %w", err))
		} else {
			resp = engine.Handle(ctx, req)
		}

		out, err := MarshalResponse(resp)
		if err != nil {
			return fmt.Errorf("toolhost: marshal response: %w", err)
		}
		if _, err := w.Write(append(out, '\n')); err != nil {
			return fmt.Errorf("toolhost: write response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("toolhost: read request line: %w", err)
	}
	return nil
}
