package process

import "sync"

// ShutdownHook collects cleanup functions the host runs exactly once when it
// is going down, whether through an orderly stop or a second signal.
type ShutdownHook struct {
	mu   sync.Mutex
	fns  []func()
	once sync.Once
}

// Register adds fn to the hook. Functions run in reverse registration order.
func (s *ShutdownHook) Register(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
}

// Run invokes every registered function. Later calls are no-ops.
func (s *ShutdownHook) Run() {
	s.once.Do(func() {
		s.mu.Lock()
		fns := make([]func(), len(s.fns))
		copy(fns, s.fns)
		s.mu.Unlock()

		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	})
}
