package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tunebook/tunebook/internal/model"
)

// Server is a development sync authority: an in-memory per-user row
// store with server-side version assignment and whole-row
// last-writer-wins, exposed over a websocket endpoint. It backs local
// development and integration tests, not production.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	mu       sync.Mutex
	rows     map[string]map[string]map[string]serverRow // user -> table -> rowID
	versions map[string]map[string]int64                // user -> table -> counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

type serverRow struct {
	payload json.RawMessage
	meta    model.SyncMeta
}

// ServerConfig holds dev server configuration.
type ServerConfig struct {
	// Port to listen on (default: 8600)
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:   8600,
		Logger: log.Default(),
	}
}

// NewServer creates a dev authority server.
func NewServer(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:     fmt.Sprintf(":%d", config.Port),
		rows:     make(map[string]map[string]map[string]serverRow),
		versions: make(map[string]map[string]int64),
		ctx:      ctx,
		cancel:   cancel,
		logger:   config.Logger,
	}
}

// Start begins listening and serving the sync endpoint.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync server")
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// handleSync upgrades the connection and serves request/response
// frames until the client hangs up.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // Allow all origins for development
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(1 << 22)

	s.logger.Printf("Client connected from %s", r.RemoteAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer conn.Close(websocket.StatusNormalClosure, "")

		for {
			_, data, err := conn.Read(s.ctx)
			if err != nil {
				return
			}

			var req wireRequest
			resp := wireResponse{}
			if err := json.Unmarshal(data, &req); err != nil {
				resp.Error = fmt.Sprintf("malformed request: %v", err)
			} else {
				resp = s.dispatch(req)
			}

			out, err := json.Marshal(resp)
			if err != nil {
				s.logger.Printf("Failed to marshal response: %v", err)
				return
			}
			writeCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, out)
			cancel()
			if err != nil {
				return
			}
		}
	}()
}

func (s *Server) dispatch(req wireRequest) wireResponse {
	resp := wireResponse{ID: req.ID}
	if req.UserID == "" {
		resp.Error = "user_id is required"
		return resp
	}

	switch req.Action {
	case "push":
		resp.Results = s.applyPush(req.UserID, req.Items)
	case "pull":
		resp.Rows = s.readPull(req.UserID, req.Table, req.Since)
	default:
		resp.Error = fmt.Sprintf("unknown action %q", req.Action)
	}
	return resp
}

// applyPush applies a batch item by item. Each row is accepted or
// rejected on its own; a stale item (older LastModifiedAt than the
// stored row) is rejected so the client resolves it through a pull.
func (s *Server) applyPush(userID string, items []PushItem) []PushResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]PushResult, 0, len(items))
	for _, item := range items {
		result := PushResult{Table: item.Table, RowID: item.RowID}

		tables, ok := s.rows[userID]
		if !ok {
			tables = make(map[string]map[string]serverRow)
			s.rows[userID] = tables
		}
		rows, ok := tables[item.Table]
		if !ok {
			rows = make(map[string]serverRow)
			tables[item.Table] = rows
		}

		if existing, ok := rows[item.RowID]; ok && existing.meta.LastModifiedAt.After(item.Meta.LastModifiedAt) {
			result.Error = "conflict: server row is newer"
			results = append(results, result)
			continue
		}

		if s.versions[userID] == nil {
			s.versions[userID] = make(map[string]int64)
		}
		s.versions[userID][item.Table]++
		version := s.versions[userID][item.Table]

		meta := item.Meta
		meta.SyncVersion = version
		if item.Op == "delete" {
			meta.Deleted = true
		}
		rows[item.RowID] = serverRow{payload: item.Payload, meta: meta}

		result.OK = true
		result.NewVersion = version
		results = append(results, result)
	}
	return results
}

// readPull returns rows of one table changed after since, in version
// order. Tombstones are included so deletions propagate.
func (s *Server) readPull(userID, table string, since int64) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Row
	for rowID, row := range s.rows[userID][table] {
		if row.meta.SyncVersion > since {
			out = append(out, Row{Table: table, RowID: rowID, Payload: row.payload, Meta: row.meta})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Meta.SyncVersion < out[j].Meta.SyncVersion
	})
	return out
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	users := len(s.rows)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"users":  users,
	})
}
