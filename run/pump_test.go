package run

import (
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func drain(c *Channel) []string {
	var chunks []string
	for chunk, ok := c.TryPop(); ok; chunk, ok = c.TryPop() {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func runPump(r io.Reader) *output {
	out := newOutput()
	p := &pump{log: zap.NewNop().Sugar(), stream: "stdout", r: io.NopCloser(r), out: out}
	p.run()
	return out
}

func TestPump(t *testing.T) {
	cases := []struct {
		name      string
		input     io.Reader
		expChunks []string
	}{
		{
			name:      "lines",
			input:     strings.NewReader("hello\nworld\n"),
			expChunks: []string{"hello\n", "world\n"},
		},
		{
			name:      "unterminated last line",
			input:     strings.NewReader("hello\nno newline"),
			expChunks: []string{"hello\n", "no newline"},
		},
		{
			name:      "malformed bytes are replaced",
			input:     strings.NewReader("a\xffb\nok\n"),
			expChunks: []string{"a�b\n", "ok\n"},
		},
		{
			name:      "malformed bytes split across reads",
			input:     iotest.OneByteReader(strings.NewReader("a\xffb\n€\n")),
			expChunks: []string{"a�b\n", "€\n"},
		},
		{
			name:      "truncated rune at end of stream",
			input:     strings.NewReader("ok\n\xe2\x82"),
			expChunks: []string{"ok\n", "\uFFFD\uFFFD"},
		},
		{
			name:  "empty stream",
			input: strings.NewReader(""),
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			out := runPump(c.input)
			assert.Equal(t, c.expChunks, drain(out.ch))
			assert.Equal(t, strings.Join(c.expChunks, ""), out.buf.String())
		})
	}
}

func TestPumpSplitsLongLinesOnRuneBoundaries(t *testing.T) {
	line := strings.Repeat("é", maxChunkSize) + "\n"
	out := runPump(strings.NewReader(line))

	chunks := drain(out.ch)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.True(t, utf8.ValidString(chunk), "chunk cut inside a rune")
		assert.LessOrEqual(t, len(chunk), maxChunkSize+utf8.UTFMax)
	}
	assert.Equal(t, line, strings.Join(chunks, ""))
	assert.Equal(t, line, out.buf.String())
}

func TestPumpClosesStreamAndExits(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pr, pw := io.Pipe()
	out := newOutput()
	p := &pump{log: zap.NewNop().Sugar(), stream: "stderr", r: pr, out: out}
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.run()
	}()

	_, err := pw.Write([]byte("first\n"))
	require.NoError(t, err)
	_, err = pw.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	<-done

	assert.Equal(t, []string{"first\n", "second\n"}, drain(out.ch))

	// the pump closed its end
	_, err = pw.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestRuneBoundary(t *testing.T) {
	assert.Equal(t, 3, runeBoundary([]byte("abc")))
	assert.Equal(t, 1, runeBoundary([]byte("a\xe2\x82")))
	assert.Equal(t, 4, runeBoundary([]byte("a€")))
	assert.Equal(t, 0, runeBoundary([]byte{}))
}
