// Package server is the HTTP front end of blockrunner: the program page, run and feedback actions,
// and live output streams over Server-Sent Events and WebSockets.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/guseggert/blockrunner/program"
	"github.com/guseggert/blockrunner/run"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Feedback stores what viewers think of programs.
type Feedback interface {
	Reactions(ctx context.Context, id string) (likes, dislikes int, err error)
	Like(ctx context.Context, id string) error
	Dislike(ctx context.Context, id string) error
	AddComment(ctx context.Context, id, comment string) error
	Comments(ctx context.Context, id string) ([]string, error)
}

// DefaultKeepAlive is how often idle streams send a keep-alive unless configured otherwise.
const DefaultKeepAlive = 15 * time.Second

type Server struct {
	logger *zap.SugaredLogger

	catalog  program.Catalog
	feedback Feedback
	registry *run.Registry

	listenAddr      string
	keepAlive       time.Duration
	shutdownTimeout time.Duration
	tlsConfig       *tls.Config

	started time.Time
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.logger = l.Named("http")
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithKeepAlive sets how often idle streams send a keep-alive.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		s.keepAlive = d
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// WithTLSConfig serves HTTPS instead of HTTP.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

func New(catalog program.Catalog, feedback Feedback, registry *run.Registry, opts ...Option) *Server {
	s := &Server{
		logger:          zap.NewNop().Sugar(),
		catalog:         catalog,
		feedback:        feedback,
		registry:        registry,
		listenAddr:      "0.0.0.0:5001",
		keepAlive:       DefaultKeepAlive,
		shutdownTimeout: 10 * time.Second,
		started:         time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the router serving every endpoint.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/", s.index)
	router.POST("/run", s.run)
	router.POST("/like", s.feedbackHandler("like", s.like))
	router.POST("/dislike", s.feedbackHandler("dislike", s.dislike))
	router.POST("/comment", s.feedbackHandler("comment", s.comment))
	router.GET("/stream/:program", s.stream)
	router.GET("/ws/:program", s.streamWS)
	router.GET("/snapshot/:program", s.snapshot)
	router.GET("/healthz", s.healthz)
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		s.logger.Errorw("panic serving request", "Method", r.Method, "Path", r.URL.Path, "Panic", v)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
	return router
}

// Run serves until ctx is done, then shuts down the HTTP server and terminates every tracked run.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// streams end with ctx, otherwise Shutdown would wait on them forever
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()
	s.logger.Infow("listening", "Addr", ln.Addr().String(), "TLS", s.tlsConfig != nil)

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	err = httpServer.Shutdown(shutdownCtx)
	if err != nil {
		err = fmt.Errorf("shutting down HTTP server: %w", err)
	}
	regErr := s.registry.Shutdown(shutdownCtx)
	if regErr != nil {
		regErr = fmt.Errorf("shutting down runs: %w", regErr)
	}
	return errors.Join(err, regErr)
}

// listed normalizes a raw identifier and reports whether it names a known program.
func (s *Server) listed(ctx context.Context, raw string) (string, bool, error) {
	id, err := program.Normalize(raw)
	if err != nil {
		return "", false, nil
	}
	ids, err := s.catalog.Programs(ctx)
	if err != nil {
		return "", false, fmt.Errorf("listing programs: %w", err)
	}
	return id, slices.Contains(ids, id), nil
}

func redirectToProgram(w http.ResponseWriter, r *http.Request, id string) {
	u := "/"
	if id != "" {
		u += "?program=" + url.QueryEscape(id)
	}
	http.Redirect(w, r, u, http.StatusSeeOther)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, err := program.Normalize(r.FormValue("program"))
	if err != nil {
		s.logger.Debugf("run rejected: %s", err)
		redirectToProgram(w, r, "")
		return
	}
	e, err := s.registry.Start(r.Context(), id)
	switch {
	case errors.Is(err, run.ErrUnknownProgram), errors.Is(err, program.ErrNotFound):
		s.logger.Debugf("run rejected: %s", err)
	case err != nil:
		s.logger.Errorw("run failed", "Program", id, "Error", err)
	default:
		s.logger.Debugw("run requested", "Program", id, "RunID", e.RunID)
	}
	redirectToProgram(w, r, id)
}

type feedbackAction func(ctx context.Context, id string, r *http.Request) error

// feedbackHandler applies action to listed programs only, then sends the viewer back to the program's page.
func (s *Server) feedbackHandler(name string, action feedbackAction) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		id, ok, err := s.listed(r.Context(), r.FormValue("program"))
		if err != nil {
			s.logger.Errorw(name+" failed", "Error", err)
			http.Error(w, "listing programs failed", http.StatusInternalServerError)
			return
		}
		if ok {
			err = action(r.Context(), id, r)
			if err != nil {
				s.logger.Errorw(name+" failed", "Program", id, "Error", err)
				http.Error(w, name+" failed", http.StatusInternalServerError)
				return
			}
		}
		redirectToProgram(w, r, id)
	}
}

func (s *Server) like(ctx context.Context, id string, r *http.Request) error {
	return s.feedback.Like(ctx, id)
}

func (s *Server) dislike(ctx context.Context, id string, r *http.Request) error {
	return s.feedback.Dislike(ctx, id)
}

// comment ignores blank comments.
func (s *Server) comment(ctx context.Context, id string, r *http.Request) error {
	text := strings.TrimSpace(r.FormValue("comment"))
	if text == "" {
		return nil
	}
	return s.feedback.AddComment(ctx, id, text)
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, err := program.Normalize(params.ByName("program"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err = w.Write([]byte(s.registry.Snapshot(id)))
	if err != nil {
		s.logger.Debugf("error sending snapshot response: %s", err)
	}
}

type HealthResponse struct {
	Status string
	Uptime string
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	b, err := json.Marshal(HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
	if err != nil {
		s.logger.Debugf("error marshaling health response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
