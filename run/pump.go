package run

import (
	"bufio"
	"errors"
	"io"
	"os"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// maxChunkSize bounds a single chunk. Longer lines are split on rune boundaries.
const maxChunkSize = 64 * 1024

// pump copies one output stream of an execution into the output it was bound to at start.
type pump struct {
	log    *zap.SugaredLogger
	stream string
	r      io.ReadCloser
	out    *output
}

func (p *pump) run() {
	defer p.r.Close()
	defer func() {
		if v := recover(); v != nil {
			p.log.Errorw("pump panicked", "Stream", p.stream, "Panic", v)
		}
	}()

	decoded := transform.NewReader(p.r, runes.ReplaceIllFormed())
	br := bufio.NewReaderSize(decoded, maxChunkSize)

	var pending []byte
	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			chunk := append(pending, line...)
			pending = nil
			if errors.Is(err, bufio.ErrBufferFull) {
				cut := runeBoundary(chunk)
				pending = append([]byte(nil), chunk[cut:]...)
				chunk = chunk[:cut]
			}
			if len(chunk) > 0 {
				p.out.emit(string(chunk))
			}
		}
		if err == nil || errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if len(pending) > 0 {
			p.out.emit(string(pending))
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
			p.log.Debugf("%s pump got read error: %s", p.stream, err)
		}
		return
	}
}

// runeBoundary returns the length of the longest prefix of b that does not end in a partial rune.
func runeBoundary(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}
