// Package lease implements the lease manager (spec §4.G): TTL single-use
// permission tokens gating tiered tool execution. Tier 0 (safe/pure) tools
// run freely; tiers 1-3, when enforcement is enabled, require a valid
// matching lease consumed exactly once.
package lease

import (
	"sync"
	"time"

	"github.com/sisegod/machina/xcrypto"
)

// Tier classifies a tool's risk level.
type Tier int

const (
	TierSafe   Tier = 0 // pure, no side effects
	TierWrite  Tier = 1
	TierSystem Tier = 2 // shell/network/system
	TierDanger Tier = 3 // plugin-loading, genesis, etc.
)

// TTL bounds per spec §4.G.
const (
	MinTTL = 1000 * time.Millisecond
	MaxTTL = 300000 * time.Millisecond
)

// AnyTool is the wildcard tool AID a lease may be scoped to.
const AnyTool = "*"

// Reason identifies why verify_and_consume failed.
type Reason string

const (
	ReasonNotFound Reason = "not_found"
	ReasonExpired  Reason = "expired"
	ReasonConsumed Reason = "consumed"
	ReasonMismatch Reason = "mismatch"
)

// VerifyError wraps a Reason so callers can branch on why consumption
// failed.
type VerifyError struct {
	Reason Reason
}

func (e *VerifyError) Error() string { return "lease: " + string(e.Reason) }

// Token is an issued lease (spec §3 "LeaseToken").
type Token struct {
	ID       string
	ToolAID  string
	Tier     Tier
	IssuedAt time.Time
	ExpireAt time.Time
	Consumed bool
	Issuer   string
}

// Expired reports whether the token has passed its expiry at instant now.
func (t Token) Expired(now time.Time) bool { return !now.Before(t.ExpireAt) }

// Stats are monotonic counters tracked across the manager's lifetime.
type Stats struct {
	Issued   uint64
	Consumed uint64
	Rejected uint64
}

// Manager issues and verifies lease tokens, backed by an in-memory store by
// default (see MemStore) or an external Store (e.g. RedisStore) for
// cross-process deployments.
type Manager struct {
	mu    sync.Mutex
	store Store
	now   func() time.Time
	stats Stats
}

// Store abstracts lease persistence so Manager can run against an
// in-process map or a shared backend (spec §4.G does not mandate a single
// backend; this manager's "exactly one of issuer's claims is truth" model is
// best served by a pluggable store).
type Store interface {
	Put(t Token) error
	Get(id string) (Token, bool, error)
	// TryConsume atomically verifies and consumes the token identified by
	// id, scoped to toolAID (or AnyTool), as of instant now: the
	// existence/expiry/already-consumed/tool-scope checks and the
	// consuming write happen under one critical section (a single mutex
	// hold for MemStore, a single Lua script for RedisStore), so two
	// concurrent calls for the same id cannot both observe an unconsumed
	// token and both succeed (spec §8 Testable Property 7). Returns a
	// *VerifyError identifying which check failed, or nil on success.
	TryConsume(id, toolAID string, now time.Time) error
	// DeleteExpired removes every token whose ExpireAt is at or before now
	// (see Token.Expired), returning the count removed.
	DeleteExpired(now time.Time) (int, error)
}

// Options configures a Manager.
type Options struct {
	Store Store
	Now   func() time.Time
}

// New constructs a Manager. If opts.Store is nil, an in-memory MemStore is
// used.
func New(opts Options) *Manager {
	store := opts.Store
	if store == nil {
		store = NewMemStore()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, now: now}
}

// Issue creates and stores a new Token for toolAID/tier, clamping ttlMS into
// [1000, 300000].
func (m *Manager) Issue(toolAID string, tier Tier, ttlMS int64, issuer string) (Token, error) {
	if ttlMS < 1000 {
		ttlMS = 1000
	}
	if ttlMS > 300000 {
		ttlMS = 300000
	}
	id, err := xcrypto.RandomHex(16)
	if err != nil {
		return Token{}, err
	}
	now := m.now()
	tok := Token{
		ID:       id,
		ToolAID:  toolAID,
		Tier:     tier,
		IssuedAt: now,
		ExpireAt: now.Add(time.Duration(ttlMS) * time.Millisecond),
		Issuer:   issuer,
	}
	if err := m.store.Put(tok); err != nil {
		return Token{}, err
	}

	m.mu.Lock()
	m.stats.Issued++
	m.mu.Unlock()
	return tok, nil
}

// VerifyAndConsume succeeds iff the token exists, is unexpired, unconsumed,
// and scoped to toolAID (or AnyTool). On success the token is marked
// consumed and cannot be reused. The checks and the consume itself are
// delegated to the Store as a single atomic operation (TryConsume), so
// concurrent callers racing on the same token cannot both pass the
// unconsumed check before either one marks it consumed.
func (m *Manager) VerifyAndConsume(tokenID, toolAID string) error {
	if err := m.store.TryConsume(tokenID, toolAID, m.now()); err != nil {
		m.reject()
		return err
	}

	m.mu.Lock()
	m.stats.Consumed++
	m.mu.Unlock()
	return nil
}

func (m *Manager) reject() {
	m.mu.Lock()
	m.stats.Rejected++
	m.mu.Unlock()
}

// GC removes every expired token from the store.
func (m *Manager) GC() (int, error) {
	return m.store.DeleteExpired(m.now())
}

// StatsSnapshot returns a copy of the manager's monotonic counters.
func (m *Manager) StatsSnapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
