package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trustno1/protocol"
)

const (
	spectatorPongWait   = 60 * time.Second
	spectatorPingPeriod = spectatorPongWait * 9 / 10
	spectatorQueue      = 16
)

// spectator 只读 WebSocket 观察者
type spectator struct {
	ws   *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (s *spectator) close() {
	s.once.Do(func() { close(s.done) })
}

// Enqueue 非阻塞入队，满则丢弃（观察者慢不影响 Tick）
func (s *spectator) Enqueue(b []byte) bool {
	select {
	case <-s.done:
		return false
	case s.send <- b:
		return true
	default:
		return false
	}
}

// SpectatorHub 将世界快照以 JSON 文本推送给 WebSocket 观察者
type SpectatorHub struct {
	mu       sync.Mutex
	clients  map[*spectator]struct{}
	upgrader websocket.Upgrader
	metrics  *Metrics
}

func NewSpectatorHub(m *Metrics) *SpectatorHub {
	if m == nil {
		m = NewMetrics()
	}
	return &SpectatorHub{
		clients: make(map[*spectator]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			// 只读数据流，允许任意来源
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: m,
	}
}

type spectatorFrame struct {
	Type string `json:"type"`
	protocol.WorldState
}

// Publish 编码一次并推送给所有观察者
func (h *SpectatorHub) Publish(ws protocol.WorldState) {
	h.mu.Lock()
	if len(h.clients) == 0 {
		h.mu.Unlock()
		return
	}
	targets := make([]*spectator, 0, len(h.clients))
	for s := range h.clients {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	b, err := json.Marshal(spectatorFrame{Type: string(protocol.KindWorldState), WorldState: ws})
	if err != nil {
		Log.Errorf("spectator encode: %v", err)
		return
	}
	for _, s := range targets {
		if !s.Enqueue(b) {
			h.metrics.IncSendDropped()
		}
	}
}

// Count 当前观察者数量
func (h *SpectatorHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWS WebSocket 接入：GET /ws/spectate
func (h *SpectatorHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnf("spectator upgrade error: %v", err)
		return
	}
	s := &spectator{ws: ws, send: make(chan []byte, spectatorQueue), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[s] = struct{}{}
	h.mu.Unlock()
	Log.Infof("spectator connected from %s", r.RemoteAddr)

	go h.writePump(s)
	h.readPump(s)
}

// readPump 只处理控制帧；读失败即退出并注销
func (h *SpectatorHub) readPump(s *spectator) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, s)
		h.mu.Unlock()
		s.close()
		Log.Infof("spectator %s disconnected", s.ws.RemoteAddr())
	}()
	s.ws.SetReadLimit(4096)
	_ = s.ws.SetReadDeadline(time.Now().Add(spectatorPongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(spectatorPongWait))
	})
	for {
		if _, _, err := s.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期发送 ping
func (h *SpectatorHub) writePump(s *spectator) {
	ticker := time.NewTicker(spectatorPingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()
	for {
		select {
		case <-s.done:
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
			return
		case b := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// CloseAll 停机时断开全部观察者
func (h *SpectatorHub) CloseAll() {
	h.mu.Lock()
	targets := make([]*spectator, 0, len(h.clients))
	for s := range h.clients {
		targets = append(targets, s)
	}
	h.mu.Unlock()
	for _, s := range targets {
		s.close()
	}
}
