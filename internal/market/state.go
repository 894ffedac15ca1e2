package market

import (
	"sync"
	"time"
)

// Snapshot is the live top-of-book view handed from ingestion to the
// decision loops.
type Snapshot struct {
	Symbol     string
	BestBid    float64
	BestAsk    float64
	LastUpdate time.Time
}

// SpreadBps returns the quoted spread in basis points of the mid.
func (s Snapshot) SpreadBps() float64 {
	mid := (s.BestBid + s.BestAsk) / 2
	if mid <= 0 {
		return 0
	}
	return (s.BestAsk - s.BestBid) / mid * 1e4
}

// LagSec returns the snapshot age in seconds at the given time.
func (s Snapshot) LagSec(now time.Time) float64 {
	if s.LastUpdate.IsZero() {
		return 0
	}
	return now.Sub(s.LastUpdate).Seconds()
}

// State is the mutex-protected snapshot shared between the sampler and the
// decision loops.
type State struct {
	mu   sync.RWMutex
	snap Snapshot
	set  bool
}

// NewState returns an empty shared state.
func NewState() *State {
	return &State{}
}

// Set replaces the current snapshot.
func (st *State) Set(snap Snapshot) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.snap = snap
	st.set = true
}

// Get returns the current snapshot and whether one has been set yet.
func (st *State) Get() (Snapshot, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snap, st.set
}
