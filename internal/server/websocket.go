package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jamesruggles/spectra/internal/tools"
)

const writeTimeout = 5 * time.Second

// Hub fans scan progress lines out to the WebSocket clients subscribed to
// each scan. It satisfies scanner.Broadcaster.
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*websocket.Conn]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[int64]map[*websocket.Conn]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Subscribe(scanID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[scanID] == nil {
		h.clients[scanID] = make(map[*websocket.Conn]struct{})
	}
	h.clients[scanID][conn] = struct{}{}
}

func (h *Hub) Unsubscribe(scanID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[scanID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, scanID)
		}
	}
}

// Subscribers returns how many clients follow the scan.
func (h *Hub) Subscribers(scanID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[scanID])
}

func (h *Hub) Broadcast(scanID int64, line tools.OutputLine) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[scanID]))
	for conn := range h.clients[scanID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	data, err := json.Marshal(line)
	if err != nil {
		return
	}

	for _, conn := range conns {
		if err := send(conn, data); err != nil {
			h.logger.Debug("ws write error", "scan_id", scanID, "error", err)
			h.Unsubscribe(scanID, conn)
			conn.Close(websocket.StatusNormalClosure, "")
		}
	}
}

func send(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

type wsSubscribeMsg struct {
	ScanID int64 `json:"scan_id"`
}

// handleWebSocket streams one scan's progress. The scan is chosen with the
// scan_id query parameter or a {"scan_id": N} first message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("ws accept error", "error", err)
		return
	}
	defer conn.CloseNow()

	scanID, _ := strconv.ParseInt(r.URL.Query().Get("scan_id"), 10, 64)
	if scanID == 0 {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var msg wsSubscribeMsg
		if err := json.Unmarshal(data, &msg); err != nil || msg.ScanID == 0 {
			conn.Close(websocket.StatusInvalidFramePayloadData, "invalid subscribe message")
			return
		}
		scanID = msg.ScanID
	}

	scan, err := s.db.GetScan(scanID)
	if err != nil || scan == nil {
		conn.Close(websocket.StatusPolicyViolation, "scan not found")
		return
	}

	s.hub.Subscribe(scanID, conn)
	defer s.hub.Unsubscribe(scanID, conn)

	// A finished scan will never broadcast again; tell the client now.
	if scan.IsTerminal() {
		data, _ := json.Marshal(tools.OutputLine{
			Timestamp: time.Now(),
			Stream:    "system",
			Line:      "Scan " + scan.Status,
			Done:      true,
		})
		if err := send(conn, data); err != nil {
			return
		}
	}

	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}
