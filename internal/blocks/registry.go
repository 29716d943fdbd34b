// ABOUTME: Directed block graph answering whether two users may exchange new messages
// ABOUTME: Scoped to one signed-in user via Init/Teardown and saved after every mutation

package blocks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/swapchat/internal/store"
)

// Edge is a directed "owner blocks target" relation.
type Edge struct {
	Owner  string `cbor:"owner"`
	Target string `cbor:"target"`
}

type snapshot struct {
	Edges []Edge `cbor:"edges"`
}

// Registry holds block edges. It is explicitly constructed and passed to
// whatever needs it; there is no package-level instance.
type Registry struct {
	mu     sync.RWMutex
	edges  map[string]map[string]struct{} // owner -> targets
	userID string

	persist store.Store
	logger  *slog.Logger
}

// New creates an empty Registry. persist may be nil for a purely
// in-memory registry.
func New(persist store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		edges:   make(map[string]map[string]struct{}),
		persist: persist,
		logger:  logger.With("component", "blocks"),
	}
}

// Init scopes the registry to userID and loads that user's saved edges.
// Any previous state is discarded first.
func (r *Registry) Init(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.edges = make(map[string]map[string]struct{})
	r.userID = userID

	if r.persist == nil || userID == "" {
		return nil
	}

	var snap snapshot
	found, err := store.LoadSnapshot(ctx, r.persist, store.BlocksKey(userID), &snap)
	if err != nil {
		return fmt.Errorf("loading blocks for %s: %w", userID, err)
	}
	if !found {
		return nil
	}
	for _, e := range snap.Edges {
		r.addLocked(e.Owner, e.Target)
	}
	r.logger.Debug("blocks loaded", "user_id", userID, "edges", len(snap.Edges))
	return nil
}

// Teardown clears all edges and forgets the user. Saved state is kept.
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = make(map[string]map[string]struct{})
	r.userID = ""
}

// UserID returns the user the registry is scoped to.
func (r *Registry) UserID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userID
}

// Block adds owner -> target. It reports whether the edge was new.
// Empty ids and self-blocks are ignored.
func (r *Registry) Block(ctx context.Context, owner, target string) bool {
	if owner == "" || target == "" || owner == target {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.addLocked(owner, target) {
		return false
	}
	r.saveLocked(ctx)
	return true
}

// Unblock removes owner -> target. It reports whether an edge was removed.
func (r *Registry) Unblock(ctx context.Context, owner, target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets, ok := r.edges[owner]
	if !ok {
		return false
	}
	if _, ok := targets[target]; !ok {
		return false
	}
	delete(targets, target)
	if len(targets) == 0 {
		delete(r.edges, owner)
	}
	r.saveLocked(ctx)
	return true
}

// IsBlocked reports whether owner has blocked target.
func (r *Registry) IsBlocked(owner, target string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isBlockedLocked(owner, target)
}

// HasMutualBlock reports whether either user has blocked the other.
func (r *Registry) HasMutualBlock(a, b string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isBlockedLocked(a, b) || r.isBlockedLocked(b, a)
}

// BlockedBy returns the users owner has blocked, sorted.
func (r *Registry) BlockedBy(owner string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.edges[owner]))
	for target := range r.edges[owner] {
		out = append(out, target)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) isBlockedLocked(owner, target string) bool {
	_, ok := r.edges[owner][target]
	return ok
}

func (r *Registry) addLocked(owner, target string) bool {
	targets, ok := r.edges[owner]
	if !ok {
		targets = make(map[string]struct{})
		r.edges[owner] = targets
	}
	if _, exists := targets[target]; exists {
		return false
	}
	targets[target] = struct{}{}
	return true
}

// saveLocked writes the snapshot. Failures are logged; the in-memory
// mutation stands.
func (r *Registry) saveLocked(ctx context.Context) {
	if r.persist == nil || r.userID == "" {
		return
	}

	snap := snapshot{Edges: make([]Edge, 0)}
	for owner, targets := range r.edges {
		for target := range targets {
			snap.Edges = append(snap.Edges, Edge{Owner: owner, Target: target})
		}
	}
	sort.Slice(snap.Edges, func(i, j int) bool {
		if snap.Edges[i].Owner != snap.Edges[j].Owner {
			return snap.Edges[i].Owner < snap.Edges[j].Owner
		}
		return snap.Edges[i].Target < snap.Edges[j].Target
	})

	if err := store.SaveSnapshot(ctx, r.persist, store.BlocksKey(r.userID), snap); err != nil {
		r.logger.Error("failed to save blocks", "user_id", r.userID, "error", err)
	}
}
