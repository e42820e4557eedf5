package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/guseggert/blockrunner/run"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

// subscribe validates the program of a stream request and subscribes to it, answering 404 for unknown programs.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request, params httprouter.Params) (*run.Subscription, bool) {
	id, ok, err := s.listed(r.Context(), params.ByName("program"))
	if err != nil {
		s.logger.Errorw("stream failed", "Error", err)
		http.Error(w, "listing programs failed", http.StatusInternalServerError)
		return nil, false
	}
	if !ok {
		http.Error(w, "unknown program", http.StatusNotFound)
		return nil, false
	}
	return s.registry.Subscribe(id), true
}

// writeEvent writes a chunk as one SSE message. The line's own terminator is dropped and
// any newline left inside it starts another data line of the same message.
func writeEvent(w io.Writer, chunk string) error {
	chunk = strings.TrimSuffix(chunk, "\n")
	chunk = strings.TrimSuffix(chunk, "\r")
	var b strings.Builder
	for _, line := range strings.Split(chunk, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// stream relays a program's live output as Server-Sent Events until the viewer goes away.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	sub, ok := s.subscribe(w, r, params)
	if !ok {
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	_, err := io.WriteString(w, "retry: 200\n\n")
	if err != nil {
		s.logger.Debugf("error starting stream: %s", err)
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		for chunk, ok := sub.TryNext(); ok; chunk, ok = sub.TryNext() {
			err := writeEvent(w, chunk)
			if err != nil {
				s.logger.Debugf("error writing stream event: %s", err)
				return
			}
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return
		case <-sub.Ready():
		case <-ticker.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			if err != nil {
				s.logger.Debugf("error writing keep-alive: %s", err)
				return
			}
		}
	}
}

// streamWS relays a program's live output over a WebSocket, one text message per chunk.
func (s *Server) streamWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sub, ok := s.subscribe(w, r, params)
	if !ok {
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.logger.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	// viewers only listen, reading is just for control frames and noticing the close
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		for chunk, ok := sub.TryNext(); ok; chunk, ok = sub.TryNext() {
			err := conn.Write(ctx, websocket.MessageText, []byte(chunk))
			if err != nil {
				s.logger.Debugf("error writing WebSocket message: %s", err)
				return
			}
		}

		select {
		case <-ctx.Done():
			if r.Context().Err() != nil {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			return
		case <-sub.Ready():
		case <-ticker.C:
			err := conn.Ping(ctx)
			if err != nil {
				s.logger.Debugf("WebSocket ping failed: %s", err)
				return
			}
		}
	}
}
