// Package httpapi exposes a CAS over a small HTTP+JSON API.
//
//	POST   /blobs          store the request body, respond with blob info
//	GET    /blobs/{key}    stream the blob
//	HEAD   /blobs/{key}    existence check
//	DELETE /blobs/{key}    remove the blob
//	GET    /healthz        liveness
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jacktea/castore/pkg/cas"
	"github.com/jacktea/castore/pkg/server/middleware"
	"github.com/jacktea/castore/pkg/xerrors"
)

// Options configure auth and rate limiting.
type Options struct {
	APIKey    string
	RateLimit middleware.RateLimitOptions
}

// Server serves a CAS over HTTP.
type Server struct {
	CAS  *cas.CAS
	Log  *log.Logger
	Opts Options

	routerOnce sync.Once
	handler    http.Handler
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	return srv.ListenAndServe()
}

// ServeHTTP makes Server usable as a plain handler, mostly for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router().ServeHTTP(w, r)
}

// router is built once so middleware state (the rate limit bucket) is shared
// across requests.
func (s *Server) router() http.Handler {
	s.routerOnce.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		mux.HandleFunc("/blobs", s.handlePut)
		mux.HandleFunc("/blobs/", s.handleBlob)
		s.handler = middleware.Wrap(mux,
			middleware.RequestLog(s.Log),
			middleware.APIKeyAuth(s.Opts.APIKey),
			middleware.RateLimit(s.Opts.RateLimit),
		)
	})
	return s.handler
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	meta := cas.Metadata{}
	if ext := r.URL.Query().Get("ext"); ext != "" {
		meta[cas.MetaExt] = ext
	}
	info, err := s.CAS.Put(r.Context(), r.Body, meta)
	if err != nil {
		s.httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(info)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	key := cas.Key(strings.TrimPrefix(r.URL.Path, "/blobs/"))
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := s.CAS.Stream(ctx, key, w); err != nil {
			// Headers may already be gone; best effort for early failures.
			s.httpError(w, err)
		}
	case http.MethodHead:
		ok, err := s.CAS.Has(ctx, key)
		if err != nil {
			s.httpError(w, err)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		ok, err := s.CAS.Has(ctx, key)
		if err != nil {
			s.httpError(w, err)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := s.CAS.Unlink(ctx, key); err != nil {
			s.httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		status = http.StatusNotFound
	case xerrors.KindInvalid:
		status = http.StatusBadRequest
	case xerrors.KindNotSupported:
		status = http.StatusNotImplemented
	case xerrors.KindAlreadyExists:
		status = http.StatusConflict
	}
	if s.Log != nil && status == http.StatusInternalServerError {
		s.Log.Printf("httpapi: %v", err)
	}
	http.Error(w, err.Error(), status)
}
