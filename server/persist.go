package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustno1/protocol"
	"trustno1/store"
)

// Store 持久化后端（store.SQLite 实现），只由持久化工作协程调用
type Store interface {
	CreateAccount(ctx context.Context, username, password string) (uuid.UUID, error)
	VerifyCredentials(ctx context.Context, username, password string) (store.Account, error)
	LoadPosition(ctx context.Context, playerID uuid.UUID) (store.PlayerState, bool, error)
	SavePosition(ctx context.Context, st store.PlayerState) error
	SetOnline(ctx context.Context, playerID uuid.UUID, online bool) error
	CreateSession(ctx context.Context, playerID uuid.UUID, addr string) (string, error)
	ValidateSession(ctx context.Context, token string) (uuid.UUID, error)
	EndSession(ctx context.Context, token string) error
	Username(ctx context.Context, playerID uuid.UUID) (string, error)
	Ban(ctx context.Context, username, reason string) error
}

// Journal 命令流水（store.Journal 实现）
type Journal interface {
	Record(e store.JournalEntry) error
}

// AuthMode 认证方式
type AuthMode int

const (
	AuthLogin AuthMode = iota
	AuthRegister
	AuthReconnect
)

func (m AuthMode) String() string {
	switch m {
	case AuthLogin:
		return "login"
	case AuthRegister:
		return "register"
	case AuthReconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}

// Command 持久化命令（封闭接口）
type Command interface {
	op() string
}

// SavePosition 覆盖写入玩家最后位置（同一玩家后写者胜）
type SavePosition struct {
	State store.PlayerState
}

// Authenticate 校验凭据或会话令牌，结果经结果队列回到 Tick 协程
type Authenticate struct {
	ConnID     ConnID
	Mode       AuthMode
	Username   string
	Password   string
	Token      string
	RemoteAddr string
}

// EndSession 使会话令牌失效（客户端主动断开）
type EndSession struct {
	Token string
}

// SetOnline 会话绑定到实体后标记在线
type SetOnline struct {
	PlayerID uuid.UUID
	Online   bool
}

// Ban 封禁账号，同时结束其全部会话
type Ban struct {
	Username string
	Reason   string
}

func (SavePosition) op() string { return "save_position" }
func (Authenticate) op() string { return "authenticate" }
func (EndSession) op() string { return "end_session" }
func (SetOnline) op() string { return "set_online" }
func (Ban) op() string { return "ban" }

// AuthResult 认证结果，按 ConnID 关联到发起请求的连接
type AuthResult struct {
	ConnID   ConnID
	Mode     AuthMode
	OK       bool
	Reason   string
	PlayerID uuid.UUID
	Name     string
	Token    string

	// 有存档时为最后保存的位置与生命值
	HasState bool
	Position protocol.Vec3
	Yaw      float64
	Health   float64
}

// PersistenceWorker 单消费者：逐条执行命令，从不触碰模拟状态
type PersistenceWorker struct {
	store   Store
	journal Journal
	timeout time.Duration
	metrics *Metrics

	cmds    *Queue[Command]
	results *Queue[AuthResult]

	startOnce sync.Once
	done      chan struct{}
}

func NewPersistenceWorker(st Store, j Journal, timeout time.Duration, m *Metrics) *PersistenceWorker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if m == nil {
		m = NewMetrics()
	}
	return &PersistenceWorker{
		store:   st,
		journal: j,
		timeout: timeout,
		metrics: m,
		cmds:    NewQueue[Command](),
		results: NewQueue[AuthResult](),
		done:    make(chan struct{}),
	}
}

// Enqueue 入队命令，不等待执行
func (w *PersistenceWorker) Enqueue(c Command) {
	w.cmds.Push(c)
	w.metrics.IncPersistQueued()
}

// Results 取走已完成的认证结果
func (w *PersistenceWorker) Results() []AuthResult { return w.results.Drain() }

// Pending 尚未执行的命令数
func (w *PersistenceWorker) Pending() int { return w.cmds.Len() }

// Run 消费命令直到 ctx 结束；结束前执行完剩余命令
func (w *PersistenceWorker) Run(ctx context.Context) {
	w.startOnce.Do(func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				w.processPending()
				return
			case <-w.cmds.Ready():
				w.processPending()
			}
		}
	})
}

// Wait 等待 Run 返回
func (w *PersistenceWorker) Wait() { <-w.done }

func (w *PersistenceWorker) processPending() {
	for {
		batch := w.cmds.Drain()
		if len(batch) == 0 {
			return
		}
		for _, c := range batch {
			w.process(c)
		}
	}
}

func (w *PersistenceWorker) process(c Command) {
	// 每条命令单独计时，停机阶段也能执行完
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	entry := store.JournalEntry{Time: time.Now().UTC(), Op: c.op()}
	var err error
	switch cmd := c.(type) {
	case SavePosition:
		entry.PlayerID = cmd.State.PlayerID.String()
		pos, online := cmd.State.Position, cmd.State.Online
		entry.Position, entry.Online = &pos, &online
		err = w.store.SavePosition(ctx, cmd.State)
	case Authenticate:
		entry.ConnID = uint64(cmd.ConnID)
		entry.Mode = cmd.Mode.String()
		entry.Username = cmd.Username
		res := w.authenticate(ctx, cmd)
		if res.OK {
			entry.PlayerID = res.PlayerID.String()
		} else {
			entry.Err = res.Reason
		}
		w.results.Push(res)
	case EndSession:
		err = w.store.EndSession(ctx, cmd.Token)
	case SetOnline:
		entry.PlayerID = cmd.PlayerID.String()
		online := cmd.Online
		entry.Online = &online
		err = w.store.SetOnline(ctx, cmd.PlayerID, cmd.Online)
	case Ban:
		entry.Username = cmd.Username
		if err = w.store.Ban(ctx, cmd.Username, cmd.Reason); err == nil {
			Log.Infof("account %s banned: %s", cmd.Username, cmd.Reason)
		}
	default:
		Log.Warnf("persistence: unknown command %T", c)
		return
	}
	if err != nil {
		w.metrics.IncPersistFailed()
		entry.Err = err.Error()
		Log.Errorf("persistence %s failed: %v", c.op(), err)
	}
	entry.OK = err == nil && entry.Err == ""
	if w.journal != nil {
		if jerr := w.journal.Record(entry); jerr != nil {
			Log.Warnf("journal record: %v", jerr)
		}
	}
}

func (w *PersistenceWorker) authenticate(ctx context.Context, cmd Authenticate) AuthResult {
	res := AuthResult{ConnID: cmd.ConnID, Mode: cmd.Mode}
	var err error
	switch cmd.Mode {
	case AuthRegister:
		res.PlayerID, err = w.store.CreateAccount(ctx, cmd.Username, cmd.Password)
		res.Name = cmd.Username
	case AuthLogin:
		var acc store.Account
		acc, err = w.store.VerifyCredentials(ctx, cmd.Username, cmd.Password)
		res.PlayerID, res.Name = acc.ID, acc.Username
	case AuthReconnect:
		res.PlayerID, err = w.store.ValidateSession(ctx, cmd.Token)
		if err == nil {
			res.Name, err = w.store.Username(ctx, res.PlayerID)
			res.Token = cmd.Token
		}
	default:
		err = errors.New("unknown auth mode")
	}
	if err != nil {
		return w.authFailed(res, err)
	}

	if res.Token == "" {
		if res.Token, err = w.store.CreateSession(ctx, res.PlayerID, cmd.RemoteAddr); err != nil {
			return w.authFailed(res, err)
		}
	}

	st, found, err := w.store.LoadPosition(ctx, res.PlayerID)
	if err != nil {
		// 读档失败不影响登录，按出生点处理
		Log.Warnf("load position %s: %v", res.PlayerID, err)
	} else if found {
		res.HasState = true
		res.Position = st.Position
		res.Yaw = st.Rotation.Yaw()
		res.Health = st.Health
	}
	res.OK = true
	return res
}

func (w *PersistenceWorker) authFailed(res AuthResult, err error) AuthResult {
	res.OK = false
	res.Reason = authReason(err)
	if res.Reason == reasonAuthUnavailable {
		w.metrics.IncPersistFailed()
		Log.Errorf("authenticate conn=%d mode=%s: %v", res.ConnID, res.Mode, err)
	} else {
		Log.Infof("authenticate conn=%d mode=%s rejected: %v", res.ConnID, res.Mode, err)
	}
	return res
}

const reasonAuthUnavailable = "authentication unavailable"

// authReason 存储层错误映射为发给客户端的原因文本（不泄露内部细节）
func authReason(err error) string {
	switch {
	case errors.Is(err, store.ErrInvalidCredentials):
		return "invalid username or password"
	case errors.Is(err, store.ErrUsernameTaken):
		return "username already taken"
	case errors.Is(err, store.ErrBanned):
		return "account banned"
	case errors.Is(err, store.ErrSessionNotFound):
		return "session expired"
	case errors.Is(err, store.ErrInvalidPassword):
		return "invalid password"
	default:
		return reasonAuthUnavailable
	}
}
