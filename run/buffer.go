package run

import (
	"strings"
	"sync"
)

// Buffer accumulates the text emitted by one run, for snapshot reads.
// It is append-only; a new run gets a new Buffer instead of clearing this one.
type Buffer struct {
	mu sync.RWMutex
	sb strings.Builder
}

func (b *Buffer) Append(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sb.WriteString(s)
}

func (b *Buffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sb.String()
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sb.Len()
}

// output is the Channel and Buffer of one run. Pumps hold on to the output they were started
// with, so replacing a program's output never redirects an old pump into a new run.
type output struct {
	ch  *Channel
	buf *Buffer
}

func newOutput() *output {
	return &output{ch: NewChannel(), buf: &Buffer{}}
}

func (o *output) emit(chunk string) {
	o.ch.Push(chunk)
	o.buf.Append(chunk)
}
