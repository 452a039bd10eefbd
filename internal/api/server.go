// Package api serves the HTTP monitoring and publishing surface of a node.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jannickheisch/tinyISP/internal/feedlog"
	"github.com/jannickheisch/tinyISP/internal/logger"
	"github.com/jannickheisch/tinyISP/internal/node"
	"github.com/jannickheisch/tinyISP/internal/wire"
)

// Backend is the node surface the API exposes.
type Backend interface {
	Status() node.Status
	Feeds() []node.FeedInfo
	Entry(fid wire.FeedID, seq uint32) (feedlog.Entry, error)
	Entries(fid wire.FeedID) ([]feedlog.Entry, error)
	Publish(content []byte) (*feedlog.Entry, error)
	Follow(fid wire.FeedID) bool
}

// Server is the HTTP API server.
type Server struct {
	addr    string       // addr is the HTTP listen address
	backend Backend      // backend is the node behind the API
	metrics http.Handler // metrics serves /metrics, may be nil
	server  *http.Server // server is the underlying HTTP server
}

// entryJSON is the wire form of a feed entry. Body is base64 encoded.
type entryJSON struct {
	FID  string `json:"fid"`
	Seq  uint32 `json:"seq"`
	MID  string `json:"mid"`
	Body []byte `json:"body"`
}

// New creates a new HTTP API server.
func New(addr string, backend Backend, metrics http.Handler) *Server {
	return &Server{
		addr:    addr,
		backend: backend,
		metrics: metrics,
	}
}

// Handler returns the routes of the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /feeds", s.handleFeeds)
	mux.HandleFunc("GET /feeds/{fid}", s.handleEntries)
	mux.HandleFunc("GET /feeds/{fid}/{seq}", s.handleEntry)
	mux.HandleFunc("POST /feeds/{fid}/follow", s.handleFollow)
	mux.HandleFunc("POST /publish", s.handlePublish)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

// handleFeeds handles GET /feeds requests.
func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Feeds())
}

// handleEntries handles GET /feeds/{fid} requests.
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	fid, ok := parseFID(w, r)
	if !ok {
		return
	}

	entries, err := s.backend.Entries(fid)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	out := make([]entryJSON, len(entries))
	for i, e := range entries {
		out[i] = toJSON(e)
	}

	writeJSON(w, http.StatusOK, out)
}

// handleEntry handles GET /feeds/{fid}/{seq} requests.
func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	fid, ok := parseFID(w, r)
	if !ok {
		return
	}

	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 32)
	if err != nil || seq == 0 {
		writeError(w, http.StatusBadRequest, "invalid sequence number")
		return
	}

	e, err := s.backend.Entry(fid, uint32(seq))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toJSON(e))
}

// handleFollow handles POST /feeds/{fid}/follow requests.
func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	fid, ok := parseFID(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{
		"added": s.backend.Follow(fid),
	})
}

// handlePublish handles POST /publish requests. The body is the raw content.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, wire.MaxContentLen+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(body) > wire.MaxContentLen {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("content exceeds %d bytes", wire.MaxContentLen))
		return
	}

	e, err := s.backend.Publish(body)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	logger.Debug("content published", "seq", e.Seq, "bytes", len(body))

	writeJSON(w, http.StatusCreated, toJSON(*e))
}

// parseFID reads the {fid} path value and answers 400 if it is malformed.
func parseFID(w http.ResponseWriter, r *http.Request) (wire.FeedID, bool) {
	fid, err := wire.ParseFeedID(r.PathValue("fid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid feed id: %v", err))
		return wire.FeedID{}, false
	}

	return fid, true
}

// writeStoreError maps feed log errors to status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, feedlog.ErrUnknownFeed), errors.Is(err, feedlog.ErrInvalidSeq):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, feedlog.ErrNoChunk):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, wire.ErrContentTooLong):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		logger.Error("api request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func toJSON(e feedlog.Entry) entryJSON {
	return entryJSON{
		FID:  e.FID.String(),
		Seq:  e.Seq,
		MID:  hex.EncodeToString(e.MID[:]),
		Body: e.Body,
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
