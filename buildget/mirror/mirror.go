// Package mirror serves a chunk cache over HTTP, both by GUID and in the
// CDN chunk layout, so an HTTP fetcher can point at it instead of the CDN.
package mirror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/flaneur2020/build-get/buildget/chunk"
	"github.com/flaneur2020/build-get/buildget/logger"
	"github.com/flaneur2020/build-get/buildget/manifest"
	"github.com/flaneur2020/build-get/buildget/storage"
	"github.com/gorilla/mux"
)

// maxUpload bounds PUT bodies.
const maxUpload = 64 << 20

// ChunkInfo is one entry of the GET /chunks listing.
type ChunkInfo struct {
	GUID  string `json:"guid"`
	Hash  string `json:"hash"`
	Group uint8  `json:"group"`
	Size  int    `json:"size"`
	Path  string `json:"path"`
}

// Server exposes a ChunkCache.
type Server struct {
	cache  *storage.ChunkCache
	format chunk.Format
	router *mux.Router
}

// NewServer builds the router. Uploaded blobs are checked against format.
func NewServer(cache *storage.ChunkCache, format chunk.Format) *Server {
	s := &Server{cache: cache, format: format, router: mux.NewRouter()}

	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/chunks", s.handleList).Methods(http.MethodGet)
	s.router.HandleFunc("/chunks/{guid}", s.handleGet).Methods(http.MethodGet, http.MethodHead)
	s.router.HandleFunc("/chunks/{guid}", s.handlePut).Methods(http.MethodPut)
	s.router.HandleFunc("/{prefix:.+}/{group:[0-9]+}/{hash:[0-9A-Fa-f]{16}}_{guid:[0-9A-Fa-f]{32}}.chunk", s.handleGet).
		Methods(http.MethodGet, http.MethodHead)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.router.ServeHTTP(w, r)
	logger.Debug("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	keys, err := s.cache.Keys()
	if err != nil {
		http.Error(w, "failed to read cache", http.StatusInternalServerError)
		logger.Error("Failed to list cache: %v", err)
		return
	}
	writeJSON(w, map[string]interface{}{"chunks": len(keys)})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cache.Entries()
	if err != nil {
		http.Error(w, "failed to read cache", http.StatusInternalServerError)
		logger.Error("Failed to list cache: %v", err)
		return
	}

	infos := make([]ChunkInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, ChunkInfo{
			GUID:  e.GUID.String(),
			Hash:  fmt.Sprintf("%016X", e.Hash),
			Group: e.Group,
			Size:  e.Size,
			Path:  storage.ChunkFileName(e.Descriptor(), true),
		})
	}
	writeJSON(w, infos)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	guid, err := manifest.ParseGUID(mux.Vars(r)["guid"])
	if err != nil {
		http.Error(w, "invalid chunk guid", http.StatusBadRequest)
		return
	}

	data, ok, err := s.cache.Get(guid)
	if err != nil {
		http.Error(w, "failed to read chunk", http.StatusInternalServerError)
		logger.Error("Failed to read chunk %s: %v", guid, err)
		return
	}
	if !ok {
		http.Error(w, "chunk not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		logger.Warn("Failed to send chunk %s: %v", guid, err)
	}
}

// handlePut stores a blob whose header names the GUID of the URL.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	guid, err := manifest.ParseGUID(mux.Vars(r)["guid"])
	if err != nil {
		http.Error(w, "invalid chunk guid", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxUpload+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(data) > maxUpload {
		http.Error(w, "chunk too large", http.StatusRequestEntityTooLarge)
		return
	}

	header, err := chunk.ParseHeader(data, s.format)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid chunk: %v", err), http.StatusBadRequest)
		return
	}
	if header.GUID != guid {
		http.Error(w, "chunk guid does not match url", http.StatusBadRequest)
		return
	}

	desc := manifest.ChunkDescriptor{GUID: guid, Hash: header.RollingHash}
	if g := r.URL.Query().Get("group"); g != "" {
		group, err := strconv.ParseUint(g, 10, 8)
		if err != nil {
			http.Error(w, "invalid group", http.StatusBadRequest)
			return
		}
		desc.Group = uint8(group)
	}

	if err := s.cache.Put(desc, data); err != nil {
		http.Error(w, "failed to store chunk", http.StatusInternalServerError)
		logger.Error("Failed to store chunk %s: %v", guid, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response: %v", err)
	}
}
