package patch

import (
	"context"
	"sync"
)

// Signal is a readiness signal: the document is fully available for
// querying and mutation. It may fire any number of times (at-least-once
// delivery); handlers run synchronously, in subscription order, on the
// goroutine that calls Fire.
type Signal struct {
	mu     sync.Mutex
	nextID int
	subs   []subscription
	fired  int
}

type subscription struct {
	id int
	fn func()
}

// Subscribe registers fn and returns a function that removes it.
func (s *Signal) Subscribe(fn func()) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Fire invokes every current subscriber.
func (s *Signal) Fire() {
	s.mu.Lock()
	s.fired++
	fns := make([]func(), len(s.subs))
	for i, sub := range s.subs {
		fns[i] = sub.fn
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Fired returns how many times the signal has fired.
func (s *Signal) Fired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// Bind registers exactly one handler on sig that runs set against doc each
// time the signal fires. Repeated firing is harmless because every rule is
// guarded. The returned function unsubscribes.
func (r *Runner) Bind(ctx context.Context, sig *Signal, doc Document, set *Set) (cancel func()) {
	return sig.Subscribe(func() {
		if ctx.Err() != nil {
			return
		}
		r.Run(ctx, doc, set)
	})
}
