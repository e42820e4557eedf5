package run

import "sync"

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Channel is an unbounded queue of output chunks shared by all viewers of one program.
// Viewers compete for chunks, so each chunk is popped by exactly one of them.
//
// Readers wait on Ready rather than polling. Once retired, a Channel drops everything pushed
// into it and its Ready channel stays closed, so waiting readers wake up and can move on to
// the program's current Channel.
type Channel struct {
	mu      sync.Mutex
	chunks  []string
	retired bool
	// wake is closed and replaced whenever a chunk is pushed
	wake chan struct{}
}

func NewChannel() *Channel {
	return &Channel{wake: make(chan struct{})}
}

// Push appends a chunk to the queue and wakes any waiting readers.
func (c *Channel) Push(chunk string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired {
		return
	}
	c.chunks = append(c.chunks, chunk)
	close(c.wake)
	c.wake = make(chan struct{})
}

// TryPop removes and returns the oldest chunk, if there is one.
func (c *Channel) TryPop() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.chunks) == 0 {
		return "", false
	}
	chunk := c.chunks[0]
	c.chunks[0] = ""
	c.chunks = c.chunks[1:]
	if len(c.chunks) == 0 {
		c.chunks = nil
	}
	return chunk, true
}

// Ready returns a channel that is closed when a chunk may be available or the Channel is retired.
// A reader must call TryPop after it fires, since another reader may have taken the chunk.
func (c *Channel) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.chunks) > 0 || c.retired {
		return closedCh
	}
	return c.wake
}

// Retire discards unread chunks and permanently wakes all readers. It is idempotent.
func (c *Channel) Retire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired {
		return
	}
	c.retired = true
	c.chunks = nil
	close(c.wake)
}

func (c *Channel) Retired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retired
}

// Len returns the number of unread chunks.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}
