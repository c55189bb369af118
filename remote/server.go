package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gorilla/mux"
	"github.com/projecteru2/core/log"

	storagejson "github.com/karapace-project/karapace/storage/json"
	"github.com/karapace-project/karapace/utils"
)

// Server is the reference RemoteProtocol HTTP server (spec.md §6.2): a
// flat directory of blobs per kind plus a single registry.json, with no
// hash verification of its own — integrity re-checking is the client's
// job on both push and pull. Grounded on the gorilla/mux routing idiom
// (the teacher only shows an HTTP *client* over a unix socket; the
// reference server needs a router the teacher's codebase doesn't supply).
type Server struct {
	root     string
	token    string
	router   *mux.Router
	registry *storagejson.Store[Registry]
}

// NewServer returns a Server persisting blobs under root. If token is
// non-empty, every request except /health must carry a matching
// Authorization: Bearer header. registry.json is guarded by its own flock
// (storage/json.Store) since concurrent PUT /registry requests would
// otherwise race on the plain read-modify-write AtomicWriteFile did here.
func NewServer(root, token string) *Server {
	s := &Server{
		root:     root,
		token:    token,
		registry: storagejson.New[Registry](filepath.Join(root, "registry.json.lock"), filepath.Join(root, "registry.json")),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the http.Handler to mount (e.g. via http.ListenAndServe).
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.protocolHeaderMiddleware, s.authMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/registry", s.handlePutRegistry).Methods(http.MethodPut)
	r.HandleFunc("/registry", s.handleGetRegistry).Methods(http.MethodGet)

	for _, segment := range []string{"objects", "layers", "metadata"} {
		segment := segment
		r.HandleFunc("/"+segment+"/", s.handleList(segment)).Methods(http.MethodGet)
		r.HandleFunc("/"+segment+"/{key}", s.handlePut(segment)).Methods(http.MethodPut)
		r.HandleFunc("/"+segment+"/{key}", s.handleGet(segment)).Methods(http.MethodGet)
		r.HandleFunc("/"+segment+"/{key}", s.handleHead(segment)).Methods(http.MethodHead)
	}
	// Alternate form: PUT /blobs/{Object|Layer|Metadata}/<key>.
	r.HandleFunc("/blobs/{kind}/{key}", s.handlePutAltForm).Methods(http.MethodPut)

	return r
}

func (s *Server) protocolHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("X-Karapace-Protocol", protocolVersion)
		next.ServeHTTP(w, req)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if s.token == "" || req.URL.Path == "/health" {
			next.ServeHTTP(w, req)
			return
		}
		want := "Bearer " + s.token
		if req.Header.Get("Authorization") != want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func segmentDir(root, segment string) string { return filepath.Join(root, segment) }

func (s *Server) handlePut(segment string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		key := mux.Vars(req)["key"]
		data, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		dir := segmentDir(s.root, segment)
		if err := utils.EnsureDirs(dir); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := utils.AtomicWriteFile(filepath.Join(dir, key), data, 0o644); err != nil { //nolint:mnd
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handlePutAltForm(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	var segment string
	switch strings.ToLower(vars["kind"]) {
	case "object":
		segment = "objects"
	case "layer":
		segment = "layers"
	case "metadata":
		segment = "metadata"
	default:
		http.Error(w, fmt.Sprintf("unknown blob kind %q", vars["kind"]), http.StatusBadRequest)
		return
	}
	s.handlePut(segment)(w, req)
}

func (s *Server) handleGet(segment string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		key := mux.Vars(req)["key"]
		data, err := os.ReadFile(filepath.Join(segmentDir(s.root, segment), key)) //nolint:gosec // key is a content hash or env_id
		if err != nil {
			if os.IsNotExist(err) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	}
}

func (s *Server) handleHead(segment string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		key := mux.Vars(req)["key"]
		if _, err := os.Stat(filepath.Join(segmentDir(s.root, segment), key)); err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleList(segment string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		dir := segmentDir(s.root, segment)
		entries, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		keys := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			keys = append(keys, e.Name())
		}
		sort.Strings(keys)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keys)
	}
}

func (s *Server) handlePutRegistry(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var incoming Registry
	if err := json.Unmarshal(body, &incoming); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := utils.EnsureDirs(s.root); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	err = s.registry.Update(req.Context(), func(r *Registry) error {
		*r = incoming
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRegistry(w http.ResponseWriter, req *http.Request) {
	var out Registry
	err := s.registry.With(req.Context(), func(r *Registry) error {
		out = *r
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(out.Entries) == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// ListenAndServe starts the reference server on addr, logging startup the
// way the teacher's cmd package logs server lifecycle events.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	logger := log.WithFunc("remote.Server.ListenAndServe")
	logger.Infof(ctx, "karapace remote server listening on %s, root=%s", addr, s.root)
	srv := &http.Server{Addr: addr, Handler: s.router}
	return srv.ListenAndServe()
}
