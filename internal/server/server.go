// Package server is the static file server for a development build.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/spf13/afero"

	"github.com/Kush-Singh-26/devserve/internal/mimetypes"
)

const defaultShutdownTimeout = 5 * time.Second

// Config is copied into the Server at construction and never changes.
type Config struct {
	Host            string // Empty means all interfaces
	Port            int
	MIMETypes       map[string]string // Overrides on top of the built-in table
	Compress        bool
	ETag            bool
	ShutdownTimeout time.Duration
}

// Option customizes a Server.
type Option func(*Server)

// WithListen replaces the function used to bind the listener.
func WithListen(listen func(network, address string) (net.Listener, error)) Option {
	return func(s *Server) { s.listen = listen }
}

// WithOutput replaces the writer that receives the startup announcement.
func WithOutput(w io.Writer) Option {
	return func(s *Server) { s.out = w }
}

// Server serves files from an afero filesystem.
type Server struct {
	cfg    Config
	fs     afero.Fs
	types  *mimetypes.Table
	files  http.Handler
	gzip   func(http.Handler) http.HandlerFunc
	listen func(network, address string) (net.Listener, error)
	out    io.Writer
}

// New builds a Server for fsys. The MIME table is built from cfg here.
func New(fsys afero.Fs, cfg Config, opts ...Option) (*Server, error) {
	types, err := mimetypes.New(cfg.MIMETypes)
	if err != nil {
		return nil, err
	}
	cfg.MIMETypes = nil
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{
		cfg:    cfg,
		fs:     fsys,
		types:  types,
		files:  http.FileServer(afero.NewHttpFs(fsys)),
		listen: net.Listen,
		out:    os.Stdout,
	}
	if cfg.Compress {
		// Compressed responses get their own strong ETag.
		if s.gzip, err = gzhttp.NewWrapper(gzhttp.SuffixETag("-gzip")); err != nil {
			return nil, fmt.Errorf("create gzip wrapper: %w", err)
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Addr returns the configured host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Handler returns the full request handler, middleware included.
func (s *Server) Handler() http.Handler {
	var h http.Handler = http.HandlerFunc(s.serveFile)
	if s.gzip != nil {
		h = s.gzip(h)
	}
	return accessLog(h)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "405 - Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	// Rebuilt output must be picked up on reload.
	w.Header().Set("Cache-Control", "no-cache")

	name := normalizeRequestPath(r.URL.Path)
	info, err := s.fs.Stat(name)
	if err == nil && info.IsDir() && strings.HasSuffix(r.URL.Path, "/") {
		index := strings.TrimSuffix(name, "/") + "/index.html"
		if indexInfo, err := s.fs.Stat(index); err == nil && indexInfo.Mode().IsRegular() {
			name, info = index, indexInfo
		}
	}
	if err == nil && info.Mode().IsRegular() {
		if ctype := s.types.TypeByPath(name); ctype != "" {
			w.Header().Set("Content-Type", ctype)
		}
		if s.cfg.ETag {
			if tag, err := fileETag(s.fs, name); err == nil {
				w.Header().Set("ETag", tag)
			} else {
				slog.Warn("Failed to compute ETag", "path", name, "error", err)
			}
		}
	}

	s.files.ServeHTTP(w, r)
}

// ListenAndServe binds the configured address, announces the port on the
// output writer and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}

	port := s.cfg.Port
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	_, _ = fmt.Fprintf(s.out, "serving on port %d\n", port)

	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully. It takes ownership of ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Debug("Shutting down HTTP server", "addr", ln.Addr().String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
		_ = httpServer.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// statusRecorder captures the status code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("accesslog",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", rec.status,
			"elapsed", time.Since(start),
		)
	})
}
