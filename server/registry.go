package server

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustno1/protocol"
)

// ConnID 连接标识：接入时单调分配，进程内永不复用
type ConnID uint64

// ConnView 连接记录的只读副本
type ConnView struct {
	ID           ConnID
	RemoteAddr   string
	Name         string
	SessionID    uuid.UUID
	EntityID     EntityID
	Token        string
	Persistent   bool // 会话来自持久化存储（可恢复）
	Bound        bool
	AuthPending  bool
	Closing      bool // 已请求关闭，等待读协程上报断开
	ConnectedAt  time.Time
	LastActivity time.Time
}

// Binding 认证成功后写入连接的会话信息
type Binding struct {
	SessionID  uuid.UUID
	EntityID   EntityID
	Name       string
	Token      string
	Persistent bool
}

type connEntry struct {
	view   ConnView
	sender Sender
}

// Registry 连接注册表：所有变更在同一把锁内完成；
// 网络写由各连接的写协程执行，持锁期间只做内存操作。
type Registry struct {
	mu      sync.Mutex
	next    ConnID
	conns   map[ConnID]*connEntry
	metrics *Metrics
	now     func() time.Time
}

func NewRegistry(m *Metrics) *Registry {
	if m == nil {
		m = NewMetrics()
	}
	return &Registry{
		conns:   make(map[ConnID]*connEntry),
		metrics: m,
		now:     time.Now,
	}
}

// Register 登记新连接并分配 ConnID
func (r *Registry) Register(s Sender, remote string) ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	now := r.now()
	r.conns[id] = &connEntry{
		view:   ConnView{ID: id, RemoteAddr: remote, ConnectedAt: now, LastActivity: now},
		sender: s,
	}
	return id
}

// BindSession 绑定会话；连接已不存在时返回 false
func (r *Registry) BindSession(id ConnID, b Binding) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	e.view.SessionID = b.SessionID
	e.view.EntityID = b.EntityID
	e.view.Name = b.Name
	e.view.Token = b.Token
	e.view.Persistent = b.Persistent
	e.view.Bound = true
	e.view.AuthPending = false
	return true
}

// SetPending 标记/清除认证进行中
func (r *Registry) SetPending(id ConnID, pending bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	e.view.AuthPending = pending
	return true
}

func (r *Registry) Lookup(id ConnID) (ConnView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return ConnView{}, false
	}
	return e.view, true
}

// Remove 移除连接并关闭发送端，返回移除前的记录
func (r *Registry) Remove(id ConnID) (ConnView, bool) {
	r.mu.Lock()
	e, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()
	if !ok {
		return ConnView{}, false
	}
	e.sender.Close()
	return e.view, true
}

// Close 关闭连接的发送端（已排队的帧仍会写出），记录保留到读协程上报断开
func (r *Registry) Close(id ConnID) {
	r.mu.Lock()
	e, ok := r.conns[id]
	if ok {
		e.view.Closing = true
	}
	r.mu.Unlock()
	if ok {
		e.sender.Close()
	}
}

// Touch 刷新最近活动时间
func (r *Registry) Touch(id ConnID) {
	r.mu.Lock()
	if e, ok := r.conns[id]; ok {
		e.view.LastActivity = r.now()
	}
	r.mu.Unlock()
}

// Send 单播，尽力而为
func (r *Registry) Send(id ConnID, msg protocol.ServerMessage) bool {
	frame, err := protocol.EncodeServer(msg)
	if err != nil {
		Log.Errorf("encode %s: %v", msg.ServerKind(), err)
		return false
	}
	r.mu.Lock()
	e, ok := r.conns[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.enqueue(e.sender, frame)
}

// Broadcast 编码一次，发给所有满足 pred 的连接；返回成功入队的数量
func (r *Registry) Broadcast(pred func(ConnView) bool, msg protocol.ServerMessage) int {
	frame, err := protocol.EncodeServer(msg)
	if err != nil {
		Log.Errorf("encode %s: %v", msg.ServerKind(), err)
		return 0
	}
	r.mu.Lock()
	targets := make([]Sender, 0, len(r.conns))
	for _, e := range r.conns {
		if pred == nil || pred(e.view) {
			targets = append(targets, e.sender)
		}
	}
	r.mu.Unlock()

	sent := 0
	for _, s := range targets {
		if r.enqueue(s, frame) {
			sent++
		}
	}
	return sent
}

func (r *Registry) enqueue(s Sender, frame []byte) bool {
	if s.Enqueue(frame) {
		return true
	}
	r.metrics.IncSendDropped()
	return false
}

// Snapshot 按 ConnID 排序的全部连接
func (r *Registry) Snapshot() []ConnView {
	r.mu.Lock()
	out := make([]ConnView, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.view)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stale 返回空闲超时或认证超时的连接
func (r *Registry) Stale(now time.Time, idle, auth time.Duration) []ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ConnID
	for id, e := range r.conns {
		switch {
		case idle > 0 && now.Sub(e.view.LastActivity) > idle:
			out = append(out, id)
		case auth > 0 && !e.view.Bound && now.Sub(e.view.ConnectedAt) > auth:
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CloseAll 关闭全部连接的发送端（停机）
func (r *Registry) CloseAll() {
	r.mu.Lock()
	senders := make([]Sender, 0, len(r.conns))
	for _, e := range r.conns {
		senders = append(senders, e.sender)
	}
	r.mu.Unlock()
	for _, s := range senders {
		s.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Bound 已绑定会话的连接数
func (r *Registry) Bound() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.conns {
		if e.view.Bound {
			n++
		}
	}
	return n
}
