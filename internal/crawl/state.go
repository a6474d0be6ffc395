// Package crawl implements the per-region depth-first discovery scheduler
// and the state it owns.
package crawl

import (
	"math/rand/v2"
	"sync"

	"github.com/statforge/matchminer/internal/match"
)

// Caps bounds the collections held by a region's state. Zero values fall
// back to permissive defaults via normalize.
type Caps struct {
	StackSoftCap int
	DryCap       int
	SeedPoolCap  int
	BacktrackCap int
}

func (c Caps) normalize() Caps {
	if c.StackSoftCap <= 0 {
		c.StackSoftCap = 1000
	}
	if c.DryCap <= 0 {
		c.DryCap = 2000
	}
	if c.SeedPoolCap <= 0 {
		c.SeedPoolCap = 500
	}
	if c.BacktrackCap <= 0 {
		c.BacktrackCap = 50
	}
	return c
}

// nodeSet is an insertion-ordered set of players with an optional capacity.
// On overflow the oldest member is evicted.
type nodeSet struct {
	cap   int // 0 means unbounded
	order []match.PlayerID
	index map[match.PlayerID]struct{}
}

func newNodeSet(cap int) *nodeSet {
	return &nodeSet{cap: cap, index: make(map[match.PlayerID]struct{})}
}

func (s *nodeSet) add(n match.PlayerID) {
	if _, ok := s.index[n]; ok {
		return
	}
	if s.cap > 0 && len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.index, oldest)
	}
	s.order = append(s.order, n)
	s.index[n] = struct{}{}
}

func (s *nodeSet) contains(n match.PlayerID) bool {
	_, ok := s.index[n]
	return ok
}

func (s *nodeSet) remove(n match.PlayerID) {
	if _, ok := s.index[n]; !ok {
		return
	}
	delete(s.index, n)
	for i, m := range s.order {
		if m == n {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *nodeSet) len() int { return len(s.order) }

// evictOldest drops the n oldest members and returns how many were dropped.
func (s *nodeSet) evictOldest(n int) int {
	if n > len(s.order) {
		n = len(s.order)
	}
	for _, m := range s.order[:n] {
		delete(s.index, m)
	}
	s.order = append([]match.PlayerID(nil), s.order[n:]...)
	return n
}

func (s *nodeSet) members() []match.PlayerID {
	return append([]match.PlayerID(nil), s.order...)
}

// restore replaces the set's contents, keeping the newest cap members.
func (s *nodeSet) restore(members []match.PlayerID) {
	s.order = s.order[:0]
	s.index = make(map[match.PlayerID]struct{}, len(members))
	for _, m := range capNewest(members, s.cap) {
		s.add(m)
	}
}

// capNewest keeps the last limit elements of in. A limit of zero means
// unbounded.
func capNewest(in []match.PlayerID, limit int) []match.PlayerID {
	if limit <= 0 || len(in) <= limit {
		return in
	}
	return in[len(in)-limit:]
}

// Snapshot is the serializable form of one region's crawl state. Caps are
// re-applied when a snapshot is taken, so a restored state never exceeds the
// configured bounds even if they shrank between runs.
type Snapshot struct {
	Stack     []match.PlayerID `json:"stack"`
	Visited   []match.PlayerID `json:"visited"`
	Dry       []match.PlayerID `json:"dry"`
	SeedPool  []match.PlayerID `json:"seed_pool"`
	Backtrack []match.PlayerID `json:"backtrack_history"`
}

// State holds everything one region's scheduler mutates. The scheduler loop
// is the single writer; the mutex exists so the ops API and the persistence
// tick can read consistent snapshots concurrently.
type State struct {
	mu   sync.Mutex
	caps Caps
	rng  *rand.Rand

	// stack top is the end of the slice.
	stack     []match.PlayerID
	visited   *nodeSet
	dry       *nodeSet
	seedPool  *nodeSet
	backtrack []match.PlayerID

	// lastBacktrack avoids immediately repeating a backtrack target when
	// alternatives exist.
	lastBacktrack match.PlayerID
}

// NewState builds an empty state with the given caps.
func NewState(caps Caps) *State {
	caps = caps.normalize()
	return &State{
		caps:     caps,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		visited:  newNodeSet(0),
		dry:      newNodeSet(caps.DryCap),
		seedPool: newNodeSet(caps.SeedPoolCap),
	}
}

// FromSnapshot builds a state from a persisted snapshot, re-applying caps.
func FromSnapshot(caps Caps, snap Snapshot) *State {
	s := NewState(caps)
	s.stack = append(s.stack, capNewest(snap.Stack, s.caps.StackSoftCap)...)
	for _, n := range snap.Visited {
		s.visited.add(n)
	}
	s.dry.restore(snap.Dry)
	s.seedPool.restore(snap.SeedPool)
	s.backtrack = append(s.backtrack, capNewest(snap.Backtrack, s.caps.BacktrackCap)...)
	return s
}

// Snapshot returns a deep copy of the state with caps applied, newest
// entries kept. The stack keeps its top (most recently pushed) entries.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Stack:     append([]match.PlayerID(nil), capNewest(s.stack, s.caps.StackSoftCap)...),
		Visited:   s.visited.members(),
		Dry:       s.dry.members(),
		SeedPool:  s.seedPool.members(),
		Backtrack: append([]match.PlayerID(nil), s.backtrack...),
	}
}

// Push appends nodes to the stack top in the given order, so the last node
// pushed is popped first. Nodes are not filtered against visited/dry here;
// stale entries are discarded on pop instead.
func (s *State) Push(nodes ...match.PlayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack = append(s.stack, nodes...)
}

// Pop removes and returns the stack top.
func (s *State) Pop() (match.PlayerID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stack) == 0 {
		return "", false
	}
	n := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return n, true
}

// StackLen reports the current stack depth.
func (s *State) StackLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}

// MarkVisited records a node as processed.
func (s *State) MarkVisited(n match.PlayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visited.add(n)
}

// Unvisit clears a node's visited flag so a backtrack pass re-processes it.
func (s *State) Unvisit(n match.PlayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visited.remove(n)
}

// Seen reports whether a node is visited or dry. Dry nodes are implicitly
// visited for discovery purposes.
func (s *State) Seen(n match.PlayerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visited.contains(n) || s.dry.contains(n)
}

// MarkDry records a node as yielding nothing new.
func (s *State) MarkDry(n match.PlayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dry.add(n)
}

// DryLen reports the dry-set size.
func (s *State) DryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dry.len()
}

// EvictDryOldest drops the oldest fraction of the dry set so previously dry
// nodes become eligible for re-checking. Returns the number evicted.
func (s *State) EvictDryOldest(fraction float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fraction <= 0 || s.dry.len() == 0 {
		return 0
	}
	n := int(float64(s.dry.len()) * fraction)
	if n < 1 {
		n = 1
	}
	return s.dry.evictOldest(n)
}

// AddSeeds adds nodes to the seed pool.
func (s *State) AddSeeds(nodes ...match.PlayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		s.seedPool.add(n)
	}
}

// SampleSeeds returns up to limit seed-pool nodes that are neither visited
// nor dry, in random order.
func (s *State) SampleSeeds(limit int) []match.PlayerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var eligible []match.PlayerID
	for _, n := range s.seedPool.order {
		if !s.visited.contains(n) && !s.dry.contains(n) {
			eligible = append(eligible, n)
		}
	}
	s.rng.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible
}

// AppendBacktrack records a productive node in the bounded backtrack
// history, dropping the oldest entry on overflow.
func (s *State) AppendBacktrack(n match.PlayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backtrack = append(s.backtrack, n)
	if len(s.backtrack) > s.caps.BacktrackCap {
		s.backtrack = append([]match.PlayerID(nil), s.backtrack[len(s.backtrack)-s.caps.BacktrackCap:]...)
	}
}

// BacktrackLen reports the backtrack-history length.
func (s *State) BacktrackLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backtrack)
}

// ClearBacktrack empties the backtrack history. Used when a long dry streak
// indicates the current neighborhood is exhausted.
func (s *State) ClearBacktrack() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backtrack = s.backtrack[:0]
	s.lastBacktrack = ""
}

// RandomBacktrack picks a random history entry that is not dry, avoiding the
// previous backtrack target when another candidate exists. Returns false if
// the history holds no usable entry.
func (s *State) RandomBacktrack() (match.PlayerID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []match.PlayerID
	for _, n := range s.backtrack {
		if !s.dry.contains(n) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	if len(candidates) > 1 && s.lastBacktrack != "" {
		filtered := candidates[:0]
		for _, n := range candidates {
			if n != s.lastBacktrack {
				filtered = append(filtered, n)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}
	pick := candidates[s.rng.IntN(len(candidates))]
	s.lastBacktrack = pick
	return pick, true
}
