package fileserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/f4ah6o/dirserve-go/internal/config"
)

type loggerKey struct{}

// Handler serves the configured root directory over HTTP.
type Handler struct {
	cfg    config.ServerConfig
	log    logrus.FieldLogger
	router chi.Router
}

// NewHandler builds the router and middleware chain for cfg.
func NewHandler(cfg config.ServerConfig, log logrus.FieldLogger) *Handler {
	h := &Handler{cfg: cfg, log: log}

	r := chi.NewRouter()
	// RemoteAddr is logged as-is; forwarding headers are client-controlled.
	r.Use(h.accessLog)
	r.Use(h.recoverer)

	r.Get("/*", h.serve)
	r.Head("/*", h.serve)
	// Resolve produces the 405 (with Allow) and any 404 itself.
	r.MethodNotAllowed(h.serve)
	r.NotFound(h.serve)

	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	resp := Resolve(h.cfg, NewRequest(r))
	defer resp.Close()

	log := loggerFrom(r.Context(), h.log)
	if resp.Err != nil {
		if resp.Status >= http.StatusInternalServerError {
			log.WithError(resp.Err).Error("Request failed")
		} else {
			log.WithError(resp.Err).Debug("Request rejected")
		}
	}

	writeOrAbort(w, log, resp)
}

// writeOrAbort sends resp and aborts the connection if the body fails mid-stream.
func writeOrAbort(w http.ResponseWriter, log logrus.FieldLogger, resp *Response) {
	if err := writeResponse(w, resp); err != nil {
		// Headers are already out; the only signal left is dropping the connection.
		log.WithError(err).Warn("Response aborted mid-stream")
		panic(http.ErrAbortHandler)
	}
}

func writeResponse(w http.ResponseWriter, resp *Response) error {
	for key, values := range resp.Header {
		w.Header()[key] = values
	}
	w.WriteHeader(resp.Status)

	switch {
	case resp.Body != nil:
		if _, err := io.Copy(w, resp.Body); err != nil {
			return fmt.Errorf("failed to stream body: %w", err)
		}
	case len(resp.Content) > 0:
		if _, err := w.Write(resp.Content); err != nil {
			return fmt.Errorf("failed to write body: %w", err)
		}
	}
	return nil
}

// accessLog tags each request with an id and logs one line when it completes.
func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)

		entry := h.log.WithField("request_id", requestID)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			entry.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.EscapedPath(),
				"status":   ww.Status(),
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Info("Request served")
		}()

		ctx := context.WithValue(r.Context(), loggerKey{}, entry)
		next.ServeHTTP(ww, r.WithContext(ctx))
	})
}

// recoverer turns a panic inside one request into a 500 so the server keeps
// running. http.ErrAbortHandler is re-raised for net/http to drop the
// connection, and so is any panic raised after the status line went out.
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}
			log := loggerFrom(r.Context(), h.log).WithField("panic", rvr)
			log.Errorf("Recovered from panic\n%s", debug.Stack())

			if ww, ok := w.(middleware.WrapResponseWriter); ok && ww.Status() != 0 {
				log.Warn("Panic after headers were sent, dropping connection")
				panic(http.ErrAbortHandler)
			}
			resp := errorResponse(NewRequest(r), &IOError{Op: "serve", Path: r.URL.Path, Err: fmt.Errorf("panic: %v", rvr)})
			_ = writeResponse(w, resp)
		}()
		next.ServeHTTP(w, r)
	})
}

func loggerFrom(ctx context.Context, fallback logrus.FieldLogger) logrus.FieldLogger {
	if entry, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok {
		return entry
	}
	return fallback
}
