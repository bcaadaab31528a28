// Package solvertest runs an in-process fake of the solver gateway: the
// telemetry push socket, the run control endpoints and the measurement
// endpoints, with scripted responses.
package solvertest

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/protocol"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/runs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) write(kind int, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.WriteMessage(kind, data); err != nil {
		slog.Debug("solvertest write", "error", err)
	}
}

// Server is a scripted gateway. The zero value is not usable; call New.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	peers    map[*peer]struct{}
	accepted int
	inbound  [][]byte

	records    map[string]runs.Run
	order      []string
	startFail  int
	startCalls int
	getCalls   map[string]int
	listCalls  int

	compareStatus int
	compareBody   []byte
	lastCompare   []byte
	lastAlignment string
	previewBody   []byte
	lastUpload    string
}

// New starts a fake gateway. Close it with Server.Close.
func New() *Server {
	s := &Server{
		peers:         make(map[*peer]struct{}),
		records:       make(map[string]runs.Run),
		getCalls:      make(map[string]int),
		compareStatus: http.StatusOK,
		compareBody:   []byte(`{}`),
		previewBody:   []byte(`{"measurement":{"frequency_hz":[]}}`),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/ws", s.serveStream)
	mux.HandleFunc("POST /opt/start", s.handleStart)
	mux.HandleFunc("GET /opt/runs", s.handleList)
	mux.HandleFunc("GET /opt/stats", s.handleStats)
	mux.HandleFunc("GET /opt/{id}", s.handleGet)
	mux.HandleFunc("POST /measurements/preview", s.handlePreview)
	mux.HandleFunc("POST /measurements/{alignment}/compare", s.handleCompare)

	s.Server = httptest.NewServer(mux)
	return s
}

// Close drops stream clients and shuts the server down.
func (s *Server) Close() {
	s.DropAll()
	s.Server.Close()
}

// StreamURL is the ws:// address of the push endpoint.
func (s *Server) StreamURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("solvertest upgrade failed", "error", err)
		return
	}
	p := &peer{conn: conn}

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.accepted++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.inbound = append(s.inbound, data)
		s.mu.Unlock()
	}
}

// Push sends m as a msgpack frame to every connected client.
func (s *Server) Push(m protocol.Message) {
	data, err := protocol.Marshal(m)
	if err != nil {
		panic(err)
	}
	s.PushRaw(websocket.BinaryMessage, data)
}

// PushRaw sends an arbitrary frame to every connected client.
func (s *Server) PushRaw(kind int, data []byte) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.write(kind, data)
	}
}

// DropAll closes every stream connection without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.peers {
		p.conn.Close()
	}
}

// Live reports currently connected stream clients.
func (s *Server) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Accepted reports stream connections accepted since start.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Inbound returns the frames clients have sent on the stream.
func (s *Server) Inbound() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.inbound)
}

// PutRun inserts or replaces a run record.
func (s *Server) PutRun(r runs.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	s.records[r.ID] = r
}

// RemoveRun deletes a run record from the roster.
func (s *Server) RemoveRun(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
}

// Run returns the stored record for id.
func (s *Server) Run(id string) (runs.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r, ok
}

// FailStart makes the next start requests answer with status. Zero restores
// normal behaviour.
func (s *Server) FailStart(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startFail = status
}

// StartCalls reports how many start requests arrived.
func (s *Server) StartCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls
}

// GetCalls reports how many times run id was fetched.
func (s *Server) GetCalls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls[id]
}

// ListCalls reports how many roster requests arrived.
func (s *Server) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

// SetCompare scripts the comparison endpoint response.
func (s *Server) SetCompare(status int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compareStatus = status
	s.compareBody = body
}

// LastCompare returns the most recent comparison request body and the
// alignment path segment it was posted to.
func (s *Server) LastCompare() ([]byte, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCompare, s.lastAlignment
}

// SetPreview scripts the preview endpoint response.
func (s *Server) SetPreview(body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previewBody = body
}

// LastUpload returns the filename of the most recent preview upload.
func (s *Server) LastUpload() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpload
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	params, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.startCalls++
	fail := s.startFail
	s.mu.Unlock()
	if fail != 0 {
		http.Error(w, "start rejected", fail)
		return
	}

	now := float64(time.Now().UnixNano()) / 1e9
	run := runs.Run{
		ID:        uuid.NewString(),
		Status:    runs.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Params:    json.RawMessage(params),
	}
	s.PutRun(run)
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	s.getCalls[id]++
	run, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Run not found"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	status := strings.ToLower(r.URL.Query().Get("status"))
	if status != "" {
		if _, ok := runs.ParseStatus(status); !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invalid status filter"})
			return
		}
	}

	s.mu.Lock()
	s.listCalls++
	out := make([]runs.Run, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		run := s.records[s.order[i]]
		if status != "" && string(run.Status) != status {
			continue
		}
		out = append(out, run)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	counts := make(map[runs.Status]int, len(runs.Statuses))
	for _, st := range runs.Statuses {
		counts[st] = 0
	}
	for _, run := range s.records {
		counts[run.Status]++
	}
	total := len(s.records)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, runs.Stats{Counts: counts, Total: total})
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.lastCompare = body
	s.lastAlignment = r.PathValue("alignment")
	status, resp := s.compareStatus, s.compareBody
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(resp)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	file.Close()

	s.mu.Lock()
	s.lastUpload = header.Filename
	resp := s.previewBody
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Write(resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
