// Package state implements the fixed 8-slot DSState artifact container
// (spec §3, §4.A): the agent's working memory, plus the two digests used for
// same-run comparison (digest_fast) and audit/tamper evidence (digest).
package state

import (
	"encoding/binary"
	"fmt"

	"github.com/sisegod/machina/internal/canon"
	"github.com/sisegod/machina/xcrypto"
)

// NumSlots is the number of DS slots, fixed by spec §3: only indices 0..7
// exist.
const NumSlots = 8

type (
	// Artifact is an opaque payload produced or consumed by a tool. Artifacts
	// are value objects: equal attributes imply equal digests.
	Artifact struct {
		// Type is a free-form type tag, e.g. "table", "text", "viewspec".
		Type string `json:"type"`
		// Provenance is a hash or label identifying where the content came from.
		Provenance string `json:"provenance"`
		// Content is the JSON-encoded payload.
		Content string `json:"content"`
		// Size is the byte-size count of Content.
		Size int `json:"size"`
	}

	// DSState is the agent's working memory: exactly eight named slots,
	// indexed 0..7. DSState is not intrinsically concurrent; the caller (the
	// goal loop) owns synchronization.
	DSState struct {
		slots [NumSlots]*Artifact
	}
)

// NewArtifact constructs an Artifact, computing Size from len(content).
func NewArtifact(typ, provenance, content string) Artifact {
	return Artifact{Type: typ, Provenance: provenance, Content: content, Size: len(content)}
}

// New returns an empty DSState.
func New() *DSState {
	return &DSState{}
}

// validIndex reports whether k is a legal slot index. Any other index is a
// design error per spec §3/§4.A.
func validIndex(k int) bool { return k >= 0 && k < NumSlots }

// Get returns the artifact at slot k (nil if empty) and whether k was a
// valid index.
func (s *DSState) Get(k int) (*Artifact, bool) {
	if !validIndex(k) {
		return nil, false
	}
	return s.slots[k], true
}

// Set assigns (a copy of) art to slot k. Passing a nil art empties the slot.
// Panics if k is out of range: addressing slot 8+ is a design error the
// caller must never trigger.
func (s *DSState) Set(k int, art *Artifact) {
	if !validIndex(k) {
		panic(fmt.Sprintf("state: slot index %d out of range [0,%d)", k, NumSlots))
	}
	if art == nil {
		s.slots[k] = nil
		return
	}
	cp := *art
	s.slots[k] = &cp
}

// Clone returns a deep copy of s, safe to mutate independently.
func (s *DSState) Clone() *DSState {
	out := &DSState{}
	for i := 0; i < NumSlots; i++ {
		if s.slots[i] != nil {
			cp := *s.slots[i]
			out.slots[i] = &cp
		}
	}
	return out
}

// Equal reports whether s and other hold identical artifacts in every slot.
func (s *DSState) Equal(other *DSState) bool {
	if other == nil {
		return false
	}
	for i := 0; i < NumSlots; i++ {
		a, b := s.slots[i], other.slots[i]
		if (a == nil) != (b == nil) {
			return false
		}
		if a != nil && *a != *b {
			return false
		}
	}
	return true
}

// canonicalSlot lists an occupied slot's fields in the order (type,
// provenance, content, size). canonicalForm does not use it: the digests
// serialize each slot as a map through canon.Marshal, which sorts keys.
type canonicalSlot struct {
	Type       string `json:"type"`
	Provenance string `json:"provenance"`
	Content    string `json:"content"`
	Size       int    `json:"size"`
}

// canonicalForm iterates slots in ascending index order, including only
// occupied slots, and returns the structure that backs both digests.
func (s *DSState) canonicalForm() []map[string]any {
	out := make([]map[string]any, 0, NumSlots)
	for i := 0; i < NumSlots; i++ {
		a := s.slots[i]
		if a == nil {
			continue
		}
		out = append(out, map[string]any{
			"index":      i,
			"type":       a.Type,
			"provenance": a.Provenance,
			"content":    a.Content,
			"size":       a.Size,
		})
	}
	return out
}

func (s *DSState) canonicalBytes() ([]byte, error) {
	return canon.Marshal(s.canonicalForm())
}

// Digest returns the SHA-256 hex digest of the canonical serialization, used
// for audit and tamper evidence.
func (s *DSState) Digest() (string, error) {
	b, err := s.canonicalBytes()
	if err != nil {
		return "", fmt.Errorf("state: digest: %w", err)
	}
	return xcrypto.SHA256Hex(b), nil
}

// DigestFast returns a 64-bit non-cryptographic hash (FNV-1a) of the
// canonical serialization, for same-run comparison (e.g. the loop guard).
func (s *DSState) DigestFast() (uint64, error) {
	b, err := s.canonicalBytes()
	if err != nil {
		return 0, fmt.Errorf("state: digest_fast: %w", err)
	}
	return fnv1a64(b), nil
}

func fnv1a64(data []byte) uint64 {
	const (
		offset uint64 = 14695981039346656037
		prime  uint64 = 1099511628211
	)
	h := offset
	for _, b := range data {
		h ^= uint64(b)
		h *= prime
	}
	return h
}

// DigestFastHex returns DigestFast encoded as 16 lowercase hex characters,
// convenient for embedding in audit payloads alongside the SHA-256 digest.
func (s *DSState) DigestFastHex() (string, error) {
	v, err := s.DigestFast()
	if err != nil {
		return "", err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return fmt.Sprintf("%x", buf), nil
}
