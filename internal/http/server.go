package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"spankv/pkg/command"
	"spankv/pkg/dberrors"
	"spankv/pkg/metrics"
	"spankv/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

type iCoordinator interface {
	ReadAt(key types.Key, ts types.Timestamp) (types.Value, bool, error)
	CommitBatch(ctx context.Context, mutations []command.Mutation) (types.Timestamp, error)
}

type iRaftNode interface {
	IsLeader() bool
	LeaderAddr() string
	Handle(ctx context.Context, message raftpb.Message) error

	Run(ctx context.Context) error
	Stop() error
}

// Server is the HTTP surface of a node: the KV/transaction API plus the
// internal raft transport endpoint.
type Server struct {
	node       iRaftNode
	coord      iCoordinator
	collector  *metrics.InMem
	httpServer *http.Server
	URL        string
	addr       string
}

func NewServer(node iRaftNode, coord iCoordinator, collector *metrics.InMem, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		node:      node,
		coord:     coord,
		collector: collector,
		URL:       "http://localhost:" + port,
		addr:      ":" + port,
	}
}

// Start runs the raft node loop and the HTTP listener.
func (s *Server) Start() error {
	if s.node != nil {
		go func() {
			if err := s.node.Run(context.Background()); err != nil {
				slog.Error("raft node error", "error", err)
			}
		}()
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
		if s.node != nil {
			_ = s.node.Stop()
		}
	}
	return nil
}

func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/api/kv", s.handleGet)
	r.Put("/api/kv", s.handlePut)
	r.Delete("/api/kv", s.handleDelete)
	r.Post("/api/txn/commit", s.handleTxnCommit)

	if s.node != nil {
		r.Post("/api/internal/raft", s.handleRaft)
	}

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, dberrors.ErrNotFound):
		status = http.StatusNotFound
	case dberrors.Retryable(err):
		status = http.StatusConflict
	case errors.Is(err, dberrors.ErrNotLeader), errors.Is(err, dberrors.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

// redirectLeader sends mutating requests to the leader when this node is a
// follower. Reports whether the request was redirected.
func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request) (bool, error) {
	if s.node == nil {
		return false, nil
	}

	if !s.node.IsLeader() {
		leaderAddr := s.node.LeaderAddr()
		if leaderAddr == "" {
			// leader unknown yet — don't redirect, allow local handling
			return false, nil
		}

		// Avoid redirect loop when leaderAddr equals this server's URL
		if leaderAddr == s.URL {
			return false, nil
		}

		leaderURL, err := url.JoinPath(leaderAddr, r.URL.Path)
		if err != nil {
			s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse("Failed to get leader URL"))
			return false, fmt.Errorf("failed to join leader path: %w", err)
		}

		http.Redirect(w, r, leaderURL, http.StatusTemporaryRedirect)
		return true, nil
	}
	return false, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		s.writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	counters, durations := s.collector.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"counters":  counters,
		"durations": durations,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	// An explicit ts reads a historical snapshot; the default is a read
	// at the current clock bound.
	var ts types.Timestamp
	if raw := r.URL.Query().Get("ts"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid ts"))
			return
		}
		ts = types.Timestamp(parsed)
	}

	value, found, err := s.coord.ReadAt([]byte(key), ts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(string(value)))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	value := r.FormValue("value")

	if key == "" || value == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or value"))
		return
	}

	if redirected, err := s.redirectLeader(w, r); redirected || err != nil {
		if err != nil {
			slog.Error("failed to redirect to leader", "error", err)
		}
		return
	}

	ts, err := s.coord.CommitBatch(r.Context(), []command.Mutation{
		{Key: []byte(key), Value: []byte(value)},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewCommitResponse(ts))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	if redirected, err := s.redirectLeader(w, r); redirected || err != nil {
		if err != nil {
			slog.Error("failed to redirect to leader", "error", err)
		}
		return
	}

	ts, err := s.coord.CommitBatch(r.Context(), []command.Mutation{
		{Key: []byte(key), Tombstone: true},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewCommitResponse(ts))
}

type txnWrite struct {
	Key    string `json:"key"`
	Value  string `json:"value,omitempty"`
	Delete bool   `json:"delete,omitempty"`
}

type txnRequest struct {
	Writes []txnWrite `json:"writes"`
}

// handleTxnCommit runs a one-shot multi-key transaction.
func (s *Server) handleTxnCommit(w http.ResponseWriter, r *http.Request) {
	var req txnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if len(req.Writes) == 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Empty write set"))
		return
	}

	if redirected, err := s.redirectLeader(w, r); redirected || err != nil {
		if err != nil {
			slog.Error("failed to redirect to leader", "error", err)
		}
		return
	}

	mutations := make([]command.Mutation, 0, len(req.Writes))
	for _, wr := range req.Writes {
		mutations = append(mutations, command.Mutation{
			Key:       []byte(wr.Key),
			Value:     []byte(wr.Value),
			Tombstone: wr.Delete,
		})
	}

	ts, err := s.coord.CommitBatch(r.Context(), mutations)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewCommitResponse(ts))
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("Raft node not available"))
		return
	}

	dec := json.NewDecoder(r.Body)
	var msg raftpb.Message
	if err := dec.Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewOKResponse())
}
