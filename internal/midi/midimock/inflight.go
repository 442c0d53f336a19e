package midimock

import "sync"

// inflight counts chunks that were injected but not yet delivered or
// dropped. Unlike a WaitGroup, Add may race with Wait.
type inflight struct {
	mu   sync.Mutex
	n    int
	idle *sync.Cond
}

func (f *inflight) cond() *sync.Cond {
	if f.idle == nil {
		f.idle = sync.NewCond(&f.mu)
	}
	return f.idle
}

func (f *inflight) Add(n int) {
	f.mu.Lock()
	f.n += n
	f.mu.Unlock()
}

func (f *inflight) Done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n <= 0 {
		f.n = 0
		f.cond().Broadcast()
	}
}

// Wait blocks until the count drops to zero.
func (f *inflight) Wait() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.n > 0 {
		f.cond().Wait()
	}
}
