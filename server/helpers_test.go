package server

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"trustno1/config"
	"trustno1/protocol"
	"trustno1/store"
)

// fakeSender 记录入队的帧，代替真实连接
type fakeSender struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	full      bool
	onEnqueue func()
}

func (f *fakeSender) Enqueue(b []byte) bool {
	if f.onEnqueue != nil {
		f.onEnqueue()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.full {
		return false
	}
	f.frames = append(f.frames, b)
	return true
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSender) messages(t *testing.T) []protocol.ServerMessage {
	t.Helper()
	f.mu.Lock()
	frames := append([][]byte(nil), f.frames...)
	f.mu.Unlock()
	out := make([]protocol.ServerMessage, 0, len(frames))
	for _, b := range frames {
		payload, err := protocol.ReadFrame(bytes.NewReader(b))
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		m, err := protocol.DecodeServer(payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func ofKind(msgs []protocol.ServerMessage, k protocol.Kind) []protocol.ServerMessage {
	var out []protocol.ServerMessage
	for _, m := range msgs {
		if m.ServerKind() == k {
			out = append(out, m)
		}
	}
	return out
}

type memAccount struct {
	id       uuid.UUID
	password string
	banned   bool
}

// memStore 内存版 Store
type memStore struct {
	mu       sync.Mutex
	accounts map[string]memAccount
	states   map[uuid.UUID]store.PlayerState
	sessions map[string]uuid.UUID
	online   map[uuid.UUID]bool
	saves    int
	ended    []string
	saveErr  error
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[string]memAccount),
		states:   make(map[uuid.UUID]store.PlayerState),
		sessions: make(map[string]uuid.UUID),
		online:   make(map[uuid.UUID]bool),
	}
}

func (s *memStore) CreateAccount(_ context.Context, username, password string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[username]; ok {
		return uuid.Nil, store.ErrUsernameTaken
	}
	id := uuid.New()
	s.accounts[username] = memAccount{id: id, password: password}
	return id, nil
}

func (s *memStore) VerifyCredentials(_ context.Context, username, password string) (store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[username]
	if !ok || a.password != password {
		return store.Account{}, store.ErrInvalidCredentials
	}
	if a.banned {
		return store.Account{}, store.ErrBanned
	}
	return store.Account{ID: a.id, Username: username}, nil
}

func (s *memStore) LoadPosition(_ context.Context, id uuid.UUID) (store.PlayerState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	return st, ok, nil
}

func (s *memStore) SavePosition(_ context.Context, st store.PlayerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.states[st.PlayerID] = st
	s.online[st.PlayerID] = st.Online
	return nil
}

func (s *memStore) SetOnline(_ context.Context, id uuid.UUID, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[id] = online
	return nil
}

func (s *memStore) CreateSession(_ context.Context, id uuid.UUID, _ string) (string, error) {
	token, err := store.NewSessionToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sessions[token] = id
	s.mu.Unlock()
	return token, nil
}

func (s *memStore) ValidateSession(_ context.Context, token string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[token]
	if !ok {
		return uuid.Nil, store.ErrSessionNotFound
	}
	return id, nil
}

func (s *memStore) EndSession(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	s.ended = append(s.ended, token)
	return nil
}

func (s *memStore) Username(_ context.Context, id uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, a := range s.accounts {
		if a.id == id {
			return name, nil
		}
	}
	return "", store.ErrSessionNotFound
}

func (s *memStore) Ban(_ context.Context, username, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[username]
	if !ok {
		return store.ErrAccountNotFound
	}
	a.banned = true
	s.accounts[username] = a
	for token, id := range s.sessions {
		if id == a.id {
			delete(s.sessions, token)
		}
	}
	return nil
}

// testWorld 测试用世界，手动驱动 Tick
type testWorld struct {
	*World
	reg     *Registry
	inbound *Queue[Inbound]
	pw      *PersistenceWorker
	st      *memStore
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.IdleTimeout = 0
	cfg.AuthTimeout = 0
	cfg.SaveEveryTicks = 0
	cfg.Store.Disabled = true
	return cfg
}

func newTestWorld(t *testing.T, persistent bool) *testWorld {
	t.Helper()
	return newTestWorldWith(t, testConfig(), persistent)
}

func newTestWorldWith(t *testing.T, cfg config.Config, persistent bool) *testWorld {
	t.Helper()
	m := NewMetrics()
	reg := NewRegistry(m)
	in := NewQueue[Inbound]()
	tw := &testWorld{reg: reg, inbound: in}
	if persistent {
		tw.st = newMemStore()
		tw.pw = NewPersistenceWorker(tw.st, nil, time.Second, m)
	}
	tw.World = NewWorld(cfg, reg, in, tw.pw, nil, m)
	return tw
}

// connect 新建连接，不发送任何消息
func (tw *testWorld) connect() (ConnID, *fakeSender) {
	s := &fakeSender{}
	return tw.reg.Register(s, "127.0.0.1:40000"), s
}

func (tw *testWorld) push(id ConnID, m protocol.ClientMessage) {
	tw.inbound.Push(Inbound{ConnID: id, Msg: m})
}

// join 以访客身份接入并推进一帧
func (tw *testWorld) join(t *testing.T, name string) (ConnID, *fakeSender) {
	t.Helper()
	id, s := tw.connect()
	tw.push(id, protocol.Connect{ProtocolVersion: protocol.Version, PlayerName: name})
	tw.Tick()
	if _, ok := tw.byConn[id]; !ok {
		t.Fatalf("%s: no entity after connect", name)
	}
	return id, s
}

// settle 执行持久化命令并在下一帧处理认证结果
func (tw *testWorld) settle() {
	tw.pw.processPending()
	tw.Tick()
}

// login 在持久化模式下注册账号并登录
func (tw *testWorld) login(t *testing.T, user string) (ConnID, *fakeSender) {
	t.Helper()
	id, s := tw.connect()
	tw.push(id, protocol.Register{ProtocolVersion: protocol.Version, Username: user, Password: "pw-" + user})
	tw.Tick()
	tw.settle()
	if _, ok := tw.byConn[id]; !ok {
		t.Fatalf("%s: no entity after register; got %v", user, s.messages(t))
	}
	return id, s
}

// drainCommands 取出尚未执行的持久化命令
func (tw *testWorld) drainCommands() []Command { return tw.pw.cmds.Drain() }
