// Package proxy implements the companion file proxy: an HTTP service that
// runs inside an app allowed to access the destination tree and exposes it
// to the sync, plus the client that adapts it to channel.Channel.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/assetsync/cmd/util"
	"github.com/sidkik/assetsync/pkg/channel"
	"github.com/sidkik/assetsync/pkg/errors"
)

// Stat is the proxy's answer to a query for a single path.
type Stat struct {
	Exists bool  `json:"exists"`
	Size   int64 `json:"size"`
}

type copyRequest struct {
	Src       string `json:"src"`
	Dst       string `json:"dst"`
	Overwrite bool   `json:"overwrite"`
}

type rootResponse struct {
	Root string `json:"root"`
}

// Server exposes the files of a channel over HTTP.
type Server struct {
	files channel.Channel
}

// NewServer returns a proxy serving files.
func NewServer(files channel.Channel) *Server {
	return &Server{files: files}
}

// Handler returns the routes of the proxy.
func (s *Server) Handler() http.Handler {
	// Paths are validated by withPath, so that escapes are refused rather
	// than redirected.
	r := mux.NewRouter().SkipClean(true)
	r.Use(loopbackOnly)

	r.HandleFunc("/root", s.getRoot).Methods(http.MethodGet)
	r.HandleFunc("/stat/{path:.*}", s.withPath(s.stat)).Methods(http.MethodGet)
	r.HandleFunc("/file/{path:.*}", s.withPath(s.read)).Methods(http.MethodGet)
	r.HandleFunc("/file/{path:.*}", s.withPath(s.write)).Methods(http.MethodPut)
	r.HandleFunc("/file/{path:.*}", s.withPath(s.delete)).Methods(http.MethodDelete)
	r.HandleFunc("/dir/{path:.*}", s.withPath(s.mkdir)).Methods(http.MethodPost)
	r.HandleFunc("/list/{path:.*}", s.withPath(s.list)).Methods(http.MethodGet)
	r.HandleFunc("/copy", s.copy).Methods(http.MethodPost)
	return r
}

// Run serves the proxy on address until ctx is cancelled.
func Run(ctx context.Context, address string, s *Server) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return errors.WithContext(err, "listen")
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		defer util.HandlePanic()
		<-ctx.Done()
		server.Close()
	}()

	log.WithField("address", lis.Addr().String()).
		WithField("root", s.files.Root()).
		Info("Proxy is ready")
	if err := server.Serve(lis); err != nil && err != http.ErrServerClosed {
		return errors.WithContext(err, "serve")
	}
	return nil
}

// loopbackOnly rejects requests from other hosts. The proxy grants access to
// another app's files, so it's only offered to processes on the device.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if ip := net.ParseIP(host); err != nil || ip == nil || !ip.IsLoopback() {
			respondError(w, r, http.StatusForbidden, errors.New("remote clients are not allowed"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type pathHandler func(w http.ResponseWriter, r *http.Request, path string)

// withPath extracts and validates the path of a request. Paths that escape
// the root are refused before they reach the channel.
func (s *Server) withPath(handler pathHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := channel.Clean(mux.Vars(r)["path"])
		if err != nil {
			respondError(w, r, http.StatusForbidden, err)
			return
		}
		handler(w, r, path)
	}
}

func (s *Server) getRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, rootResponse{Root: s.files.Root()})
}

func (s *Server) stat(w http.ResponseWriter, r *http.Request, path string) {
	size, err := s.files.Size(path)
	var notFound errors.FileNotFound
	switch {
	case errors.As(err, &notFound):
		respondJSON(w, r, Stat{Exists: false})
	case err != nil:
		respondFileError(w, r, err)
	default:
		respondJSON(w, r, Stat{Exists: true, Size: size})
	}
}

func (s *Server) read(w http.ResponseWriter, r *http.Request, path string) {
	f, err := s.files.Open(path)
	if err != nil {
		respondFileError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, f); err != nil {
		// The status has already been sent, so all that's left is to log.
		log.WithError(err).WithField("path", path).Warn("Failed to stream file")
	}
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, path string) {
	f, err := s.files.OpenWrite(path)
	if err != nil {
		respondFileError(w, r, err)
		return
	}

	if _, err := io.Copy(f, r.Body); err != nil {
		f.Close()
		respondFileError(w, r, errors.WithContext(err, "write"))
		return
	}

	if err := f.Close(); err != nil {
		respondFileError(w, r, errors.WithContext(err, "close"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request, path string) {
	if err := s.files.Delete(path); err != nil {
		respondFileError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) mkdir(w http.ResponseWriter, r *http.Request, path string) {
	if err := s.files.MkdirAll(path); err != nil {
		respondFileError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, path string) {
	files, err := s.files.List(path)
	if err != nil {
		respondFileError(w, r, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	respondJSON(w, r, files)
}

func (s *Server) copy(w http.ResponseWriter, r *http.Request) {
	var req copyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, errors.WithContext(err, "decode"))
		return
	}

	src, err := channel.Clean(req.Src)
	if err != nil {
		respondError(w, r, http.StatusForbidden, err)
		return
	}
	dst, err := channel.Clean(req.Dst)
	if err != nil {
		respondError(w, r, http.StatusForbidden, err)
		return
	}

	if err := s.files.Copy(src, dst, req.Overwrite); err != nil {
		respondFileError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, r *http.Request, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).WithField("url", r.URL.Path).Warn("Failed to write response")
	}
}

func respondFileError(w http.ResponseWriter, r *http.Request, err error) {
	var notFound errors.FileNotFound
	if errors.As(err, &notFound) {
		respondError(w, r, http.StatusNotFound, err)
		return
	}
	respondError(w, r, http.StatusInternalServerError, err)
}

func respondError(w http.ResponseWriter, r *http.Request, code int, err error) {
	log.WithError(err).
		WithField("method", r.Method).
		WithField("url", r.URL.Path).
		WithField("code", code).
		Debug("Request failed")
	http.Error(w, err.Error(), code)
}
