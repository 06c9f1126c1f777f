// Package wal implements the segmented write-ahead log described in spec
// §4.D: durable append with size/age-triggered rotation and count/byte-based
// retention, used by external collaborators (queues, HTTP de-dup caches,
// checkpoints) that need durability beyond the audit log's hash chain.
package wal

import (
	"bufio"
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sisegod/machina/errs"
	"github.com/sisegod/machina/telemetry"
)

// Defaults per spec §4.D.
const (
	DefaultMaxSegmentBytes  int64 = 16 * 1024 * 1024
	DefaultMaxSegmentAgeSec int64 = 3600
	DefaultMaxSegments      int   = 10
	DefaultMaxTotalBytes    int64 = 256 * 1024 * 1024
)

// Options configures a Wal.
type Options struct {
	Dir              string
	Basename         string
	MaxSegmentBytes  int64
	MaxSegmentAgeSec int64
	MaxSegments      int
	MaxTotalBytes    int64
	Fsync            bool
	// FrameCRC, when true, prefixes each line with an 8-hex-digit CRC-32
	// checksum of the line's content ("<crc8hex> <payload>\n").
	FrameCRC bool
	Logger   telemetry.Logger
	Now      func() time.Time
}

func (o *Options) withDefaults() {
	if o.MaxSegmentBytes <= 0 {
		o.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if o.MaxSegmentAgeSec <= 0 {
		o.MaxSegmentAgeSec = DefaultMaxSegmentAgeSec
	}
	if o.MaxSegments <= 0 {
		o.MaxSegments = DefaultMaxSegments
	}
	if o.MaxTotalBytes <= 0 {
		o.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if o.Basename == "" {
		o.Basename = "wal"
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Segment describes one file on disk, active or rotated-out.
type Segment struct {
	Path    string
	Bytes   int64
	Active  bool
	ModTime time.Time
}

// Wal is a segmented, rotating append-only log. All methods are safe for
// concurrent use; appends (and the fsync they may trigger) are serialized
// under a single mutex, per spec §5.
type Wal struct {
	mu sync.Mutex
	opts Options

	activePath string
	f          *os.File
	w          *bufio.Writer
	openedAt   time.Time
	bytes      int64
}

// Open creates the queue directory if needed and opens (or creates) the
// active segment.
func Open(opts Options) (*Wal, error) {
	opts.withDefaults()
	if opts.Dir == "" {
		return nil, fmt.Errorf("wal: open: dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir %q: %w", opts.Dir, err)
	}
	w := &Wal{opts: opts}
	if err := w.openActive(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Wal) activeFilePath() string {
	return filepath.Join(w.opts.Dir, w.opts.Basename+".jsonl")
}

func (w *Wal) openActive() error {
	path := w.activeFilePath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.New(errs.KindDurabilityError, "wal.openActive", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return errs.New(errs.KindDurabilityError, "wal.openActive", err)
	}
	w.f = f
	w.w = bufio.NewWriter(f)
	w.activePath = path
	w.bytes = fi.Size()
	w.openedAt = w.opts.Now()
	return nil
}

// AppendJSONLine writes s (assumed to already be a JSON-encoded value)
// terminated by a newline, rotating the active segment first if size/age
// thresholds are exceeded. When FrameCRC is set, the line is prefixed with
// its CRC-32 checksum in hex.
func (w *Wal) AppendJSONLine(s string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.shouldRotateLocked() {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	line := s
	if w.opts.FrameCRC {
		sum := crc32.ChecksumIEEE([]byte(s))
		line = fmt.Sprintf("%08x %s", sum, s)
	}
	line += "\n"

	n, err := w.w.WriteString(line)
	if err != nil {
		return errs.New(errs.KindDurabilityError, "wal.append", err)
	}
	if err := w.w.Flush(); err != nil {
		return errs.New(errs.KindDurabilityError, "wal.append", err)
	}
	w.bytes += int64(n)

	if w.opts.Fsync {
		if err := w.f.Sync(); err != nil {
			return errs.New(errs.KindDurabilityError, "wal.fsync", err)
		}
	}
	return nil
}

func (w *Wal) shouldRotateLocked() bool {
	if w.bytes >= w.opts.MaxSegmentBytes {
		return true
	}
	age := w.opts.Now().Sub(w.openedAt)
	return age.Seconds() >= float64(w.opts.MaxSegmentAgeSec)
}

// rotateLocked renames the active file to <basename>.<epoch_ms>.jsonl and
// opens a fresh active segment. Caller must hold w.mu.
func (w *Wal) rotateLocked() error {
	if w.bytes == 0 {
		// Nothing has been written to the active segment; rotating an empty
		// file would just churn filenames, so only reset the age clock.
		w.openedAt = w.opts.Now()
		return nil
	}
	if err := w.w.Flush(); err != nil {
		return errs.New(errs.KindDurabilityError, "wal.rotate", err)
	}
	if err := w.f.Close(); err != nil {
		return errs.New(errs.KindDurabilityError, "wal.rotate", err)
	}
	epochMS := w.opts.Now().UnixMilli()
	rotated := filepath.Join(w.opts.Dir, fmt.Sprintf("%s.%d.jsonl", w.opts.Basename, epochMS))
	if err := os.Rename(w.activePath, rotated); err != nil {
		return errs.New(errs.KindDurabilityError, "wal.rotate", err)
	}
	if err := w.openActive(); err != nil {
		return err
	}
	w.opts.Logger.Info(context.Background(), "wal segment rotated", "rotated_to", rotated)
	return nil
}

// ListSegments returns every segment under the WAL's directory oldest-first,
// including the active one.
func (w *Wal) ListSegments() ([]Segment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.listSegmentsLocked()
}

func (w *Wal) listSegmentsLocked() ([]Segment, error) {
	entries, err := os.ReadDir(w.opts.Dir)
	if err != nil {
		return nil, errs.New(errs.KindDurabilityError, "wal.listSegments", err)
	}
	prefix := w.opts.Basename + "."
	activeName := w.opts.Basename + ".jsonl"

	var segs []Segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		isActive := name == activeName
		isRotated := strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".jsonl") && name != activeName
		if !isActive && !isRotated {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, errs.New(errs.KindDurabilityError, "wal.listSegments", err)
		}
		segs = append(segs, Segment{
			Path:    filepath.Join(w.opts.Dir, name),
			Bytes:   info.Size(),
			Active:  isActive,
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].Active != segs[j].Active {
			return segs[j].Active // active sorts last
		}
		return segs[i].ModTime.Before(segs[j].ModTime)
	})
	return segs, nil
}

// EnforceRetention deletes the oldest rotated-out segments until both the
// segment count is <= MaxSegments and the total byte sum is <= MaxTotalBytes.
// The active segment is never deleted.
func (w *Wal) EnforceRetention() (deleted []string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	segs, err := w.listSegmentsLocked()
	if err != nil {
		return nil, err
	}

	total := int64(0)
	for _, s := range segs {
		total += s.Bytes
	}

	i := 0
	for (len(segs)-i > w.opts.MaxSegments || total > w.opts.MaxTotalBytes) && i < len(segs) {
		s := segs[i]
		if s.Active {
			break
		}
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			return deleted, errs.New(errs.KindDurabilityError, "wal.enforceRetention", err)
		}
		deleted = append(deleted, s.Path)
		total -= s.Bytes
		i++
	}
	return deleted, nil
}

// Close flushes and closes the active segment.
func (w *Wal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Close()
}
