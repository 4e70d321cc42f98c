package syncgroup

import "sync"

// SyncGroup wraps sync.WaitGroup so callers register functions instead of
// pairing Add with Done by hand.
type SyncGroup struct {
	wg sync.WaitGroup

	mu  sync.Mutex
	fns []func()
}

// NewSyncGroup creates an empty group.
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add registers a function to run when the group starts.
func (g *SyncGroup) Add(fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fns = append(g.fns, fn)
}

// Run launches every registered function in its own goroutine and clears
// the registration list.
func (g *SyncGroup) Run() {
	g.mu.Lock()
	fns := g.fns
	g.fns = nil
	g.mu.Unlock()

	for _, fn := range fns {
		g.wg.Add(1)
		go func(do func()) {
			defer g.wg.Done()
			do()
		}(fn)
	}
}

// Wait blocks until all launched goroutines return.
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}
