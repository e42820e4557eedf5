package run

import "context"

// Subscription is one viewer's handle on the live output of a program.
// It follows the program across runs: when a new run retires the Channel it was reading from,
// it moves on to the program's current Channel.
// A Subscription is not safe for concurrent use; each viewer gets its own.
type Subscription struct {
	registry *Registry
	program  string
	ch       *Channel
}

func (s *Subscription) channel() *Channel {
	if s.ch == nil || s.ch.Retired() {
		s.ch = s.registry.channel(s.program)
	}
	return s.ch
}

// TryNext returns the next chunk without blocking.
func (s *Subscription) TryNext() (string, bool) {
	return s.channel().TryPop()
}

// Ready returns a channel that is closed when TryNext may succeed.
func (s *Subscription) Ready() <-chan struct{} {
	return s.channel().Ready()
}

// Next blocks until a chunk is available or ctx is done.
func (s *Subscription) Next(ctx context.Context) (string, error) {
	for {
		if chunk, ok := s.TryNext(); ok {
			return chunk, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.Ready():
		}
	}
}

// Close releases the Subscription's reference to the program's Channel.
func (s *Subscription) Close() {
	s.ch = nil
}
