// Package registry implements the Swap Registry (C8): an in-memory store
// of live swaps keyed by SwapId, with insert/get/update and per-swap
// update serialization, backed by its own rfc003_swaps SQLite table on
// internal/storage.Storage's connection for restart recovery.
package registry

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/comit-network/rfc003/internal/rfc003"
	"github.com/comit-network/rfc003/internal/storage"
	"github.com/comit-network/rfc003/pkg/logging"
)

// ErrNotFound is returned by Get/Update when no swap exists for a SwapId.
var ErrNotFound = errors.New("registry: swap not found")

// ErrAlreadyExists is returned by Insert when a SwapId is already present.
var ErrAlreadyExists = errors.New("registry: swap already exists")

// entry pairs a swap's state with the mutex that serializes its updates,
// per §5's "registry's per-key serialization prevents concurrent
// transitions on the same swap".
type entry struct {
	mu    sync.Mutex
	state *rfc003.State
}

// Registry is the concurrent map described in §4.7/§5: lock-free-ish reads
// (a read lock over the top-level map, not the individual entry), updates
// serialized per swap via each entry's own mutex.
type Registry struct {
	db  *sql.DB
	log *logging.Logger

	mu      sync.RWMutex
	entries map[rfc003.SwapId]*entry
}

// New builds a Registry backed by the given Storage's SQLite connection;
// persistence lives in its own table (rfc003_swaps), created here rather
// than in Storage's own schema migration, since it is this component's
// concern, not the donor trading schema's.
func New(store *storage.Storage) (*Registry, error) {
	db := store.DB()
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rfc003_swaps (
			swap_id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			alpha_protocol TEXT NOT NULL,
			beta_protocol TEXT NOT NULL,
			state_blob BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("registry: create schema: %w", err)
	}
	return &Registry{
		db:      db,
		log:     logging.GetDefault().Component("registry"),
		entries: make(map[rfc003.SwapId]*entry),
	}, nil
}

// Insert adds a freshly created swap. Returns ErrAlreadyExists if the
// SwapId is already registered, in memory or in persisted storage.
func (r *Registry) Insert(state *rfc003.State) error {
	r.mu.Lock()
	if _, ok := r.entries[state.SwapId]; ok {
		r.mu.Unlock()
		return ErrAlreadyExists
	}
	var one int
	err := r.db.QueryRow(`SELECT 1 FROM rfc003_swaps WHERE swap_id = ?`, state.SwapId.String()).Scan(&one)
	if err == nil {
		r.mu.Unlock()
		return ErrAlreadyExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		r.mu.Unlock()
		return fmt.Errorf("registry: insert: %w", err)
	}
	e := &entry{state: state}
	r.entries[state.SwapId] = e
	r.mu.Unlock()

	if err := r.save(state); err != nil {
		r.mu.Lock()
		delete(r.entries, state.SwapId)
		r.mu.Unlock()
		return err
	}
	return nil
}

// Get returns a copy-free snapshot pointer of a swap's current state.
// Callers must not mutate the returned State directly; Update is the only
// sanctioned mutation path.
func (r *Registry) Get(id rfc003.SwapId) (*rfc003.State, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// TransitionFn computes the next state from the current one; returning a
// non-nil error aborts the update and leaves the stored state unchanged.
type TransitionFn func(*rfc003.State) (*rfc003.State, error)

// Update applies fn atomically: only one Update per SwapId runs at a time
// (the entry's own mutex), and the result is persisted before Update
// returns, the "transition_save" discipline from the original reference
// (compute, persist, then hand back to the caller) so a crash between
// transition and save can never happen.
func (r *Registry) Update(id rfc003.SwapId, fn TransitionFn) (*rfc003.State, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := fn(e.state)
	if err != nil {
		return nil, err
	}
	if err := r.save(next); err != nil {
		return nil, err
	}
	e.state = next
	return next, nil
}

// Delete drops a swap from the in-memory registry and its persisted row.
// Typically called once a terminal outcome's result has been surfaced and
// the caller releases its handle (§3 Lifecycle).
func (r *Registry) Delete(id rfc003.SwapId) error {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()

	_, err := r.db.Exec(`DELETE FROM rfc003_swaps WHERE swap_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("registry: delete: %w", err)
	}
	return nil
}

// List returns every swap currently tracked in memory, for recovery
// reporting and the HTTP listing surface.
func (r *Registry) List() []*rfc003.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*rfc003.State, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	}
	return out
}

// LoadAll reads every persisted swap back into memory, for use once at
// startup before any peer messages or ledger events are processed, so a
// restart resumes exactly where the swap left off (§3 Lifecycle,
// persisted state layout in §6).
func (r *Registry) LoadAll() error {
	rows, err := r.db.Query(`SELECT swap_id, state_blob FROM rfc003_swaps`)
	if err != nil {
		return fmt.Errorf("registry: load all: %w", err)
	}
	defer rows.Close()

	loaded := 0
	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		var swapIDStr string
		var blob []byte
		if err := rows.Scan(&swapIDStr, &blob); err != nil {
			return fmt.Errorf("registry: load all: scan: %w", err)
		}
		var state rfc003.State
		if err := json.Unmarshal(blob, &state); err != nil {
			return fmt.Errorf("registry: load all: decode %s: %w", swapIDStr, err)
		}
		r.entries[state.SwapId] = &entry{state: &state}
		loaded++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("registry: load all: %w", err)
	}
	r.log.Info("loaded persisted swaps", "count", loaded)
	return nil
}

// save persists state's current snapshot. It is called inside the
// entry's own critical section by Insert/Update, never standalone.
func (r *Registry) save(state *rfc003.State) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("registry: encode state: %w", err)
	}
	_, err = r.db.Exec(`
		INSERT INTO rfc003_swaps (swap_id, role, alpha_protocol, beta_protocol, state_blob, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(swap_id) DO UPDATE SET
			state_blob = excluded.state_blob,
			updated_at = excluded.updated_at
	`,
		state.SwapId.String(),
		string(state.Role),
		string(state.Request.AlphaLedger),
		string(state.Request.BetaLedger),
		blob,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("registry: save: %w", err)
	}
	return nil
}
