package server

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"trustno1/protocol"
	"trustno1/store"
)

const (
	reasonAlreadyConnected  = "already connected"
	reasonResumeUnavailable = "session resume unavailable"
	reasonSessionTakenOver  = "session resumed from another connection"
)

var (
	errNameTooLong = fmt.Errorf("name longer than %d bytes", protocol.MaxNameLen)
	errNameInvalid = errors.New("name contains invalid characters")
	errNameEmpty   = errors.New("name required")
)

// Gateway 认证与会话网关：只在 Tick 协程中运行
type Gateway struct {
	w *World
}

// admission 通过认证、等待生成实体的会话
type admission struct {
	PlayerID   uuid.UUID
	Name       string
	Token      string
	Persistent bool
	Takeover   bool // 会话恢复可以接管仍在线的旧连接
	Position   protocol.Vec3
	Yaw        float64
	Health     float64
}

// Handle 处理 connect/login/register/reconnect
func (g *Gateway) Handle(id ConnID, req protocol.AuthRequest) {
	w := g.w
	view, ok := w.reg.Lookup(id)
	if !ok || view.Closing {
		return
	}
	if req.Version() != protocol.Version {
		Log.Warnf("conn %d (%s): protocol version mismatch server=%d client=%d",
			id, view.RemoteAddr, protocol.Version, req.Version())
		w.reg.Send(id, protocol.ConnectionError{
			Reason: fmt.Sprintf("protocol version mismatch: server %d, client %d", protocol.Version, req.Version()),
		})
		w.reg.Close(id)
		return
	}
	if view.Bound || view.AuthPending {
		Log.Warnf("conn %d: %s while already authenticated or pending, ignored", id, req.ClientKind())
		return
	}

	switch m := req.(type) {
	case protocol.Connect:
		name, err := validateName(m.PlayerName)
		if errors.Is(err, errNameEmpty) {
			name, err = fmt.Sprintf("Player-%d", id), nil
		}
		if err != nil {
			g.reject(id, err.Error())
			return
		}
		g.admitTrusted(id, name)
	case protocol.Login, protocol.Register:
		username, password, mode := credentials(m)
		name, err := validateName(username)
		if err != nil {
			g.reject(id, err.Error())
			return
		}
		if w.persist == nil {
			// 无持久化：信任客户端给出的名字
			g.admitTrusted(id, name)
			return
		}
		w.reg.SetPending(id, true)
		w.persist.Enqueue(Authenticate{ConnID: id, Mode: mode, Username: name, Password: password, RemoteAddr: view.RemoteAddr})
	case protocol.Reconnect:
		if w.persist == nil {
			g.reject(id, reasonResumeUnavailable)
			return
		}
		token := strings.TrimSpace(m.SessionToken)
		if token == "" {
			g.reject(id, "session token required")
			return
		}
		w.reg.SetPending(id, true)
		w.persist.Enqueue(Authenticate{ConnID: id, Mode: AuthReconnect, Token: token, RemoteAddr: view.RemoteAddr})
	default:
		Log.Warnf("conn %d: unexpected auth request %T", id, req)
	}
}

func credentials(m protocol.ClientMessage) (user, pass string, mode AuthMode) {
	switch v := m.(type) {
	case protocol.Login:
		return v.Username, v.Password, AuthLogin
	case protocol.Register:
		return v.Username, v.Password, AuthRegister
	}
	return "", "", AuthLogin
}

// admitTrusted 访客或无持久化模式：随机会话身份，出生点生成
func (g *Gateway) admitTrusted(id ConnID, name string) {
	token, err := store.NewSessionToken()
	if err != nil {
		Log.Errorf("session token: %v", err)
		g.reject(id, reasonAuthUnavailable)
		return
	}
	p := g.w.physics()
	g.admit(id, admission{
		PlayerID: uuid.New(),
		Name:     name,
		Token:    token,
		Position: p.Spawn,
		Health:   p.MaxHealth,
	})
}

// Complete 处理持久化工作协程返回的认证结果
func (g *Gateway) Complete(res AuthResult) {
	w := g.w
	view, ok := w.reg.Lookup(res.ConnID)
	if !ok || view.Closing || view.Bound {
		// 连接已不在：刚创建的会话随之作废，恢复的会话保持可用
		if res.OK && res.Mode != AuthReconnect && w.persist != nil {
			w.persist.Enqueue(EndSession{Token: res.Token})
		}
		return
	}
	w.reg.SetPending(res.ConnID, false)
	if !res.OK {
		g.reject(res.ConnID, res.Reason)
		return
	}

	p := w.physics()
	a := admission{
		PlayerID:   res.PlayerID,
		Name:       res.Name,
		Token:      res.Token,
		Persistent: true,
		Takeover:   res.Mode == AuthReconnect,
		Position:   p.Spawn,
		Health:     p.MaxHealth,
	}
	if res.HasState {
		a.Position = res.Position
		a.Yaw = res.Yaw
		if res.Health > 0 {
			a.Health = res.Health
		}
	}
	if !g.admit(res.ConnID, a) && res.Mode != AuthReconnect && w.persist != nil {
		w.persist.Enqueue(EndSession{Token: res.Token})
	}
}

// admit 生成实体、绑定连接、回复 Connected 并通知其他玩家
func (g *Gateway) admit(id ConnID, a admission) bool {
	w := g.w
	if old, ok := w.bySession[a.PlayerID]; ok {
		if !a.Takeover {
			Log.Infof("conn %d: session %s already has entity %d", id, a.PlayerID, old.ID)
			g.reject(id, reasonAlreadyConnected)
			return false
		}
		// 接管：沿用内存中最新的位置
		a.Position, a.Yaw, a.Health = old.Position, old.Yaw, old.Health.Current
		Log.Infof("conn %d takes over session %s from conn %d", id, a.PlayerID, old.ConnID)
		w.reg.Send(old.ConnID, protocol.ConnectionError{Reason: reasonSessionTakenOver})
		w.teardown(old.ConnID, false)
	}

	e := w.spawn(id, a)
	if !w.reg.BindSession(id, Binding{
		SessionID:  a.PlayerID,
		EntityID:   e.ID,
		Name:       a.Name,
		Token:      a.Token,
		Persistent: a.Persistent,
	}) {
		w.despawn(e)
		return false
	}

	w.reg.Send(id, protocol.Connected{
		PlayerID:      a.PlayerID,
		TickRate:      uint32(w.cfg.TickRate),
		SessionToken:  a.Token,
		SpawnPosition: e.Position,
	})
	w.reg.Broadcast(func(v ConnView) bool { return v.Bound && v.ID != id }, protocol.PlayerJoined{
		PlayerID: a.PlayerID,
		Name:     a.Name,
		Position: e.Position,
	})
	if a.Persistent && w.persist != nil {
		w.persist.Enqueue(SetOnline{PlayerID: a.PlayerID, Online: true})
	}
	Log.Infof("player joined: conn=%d name=%s session=%s entity=%d persistent=%v",
		id, a.Name, a.PlayerID, e.ID, a.Persistent)
	return true
}

// reject 非致命拒绝：连接保持，客户端可重试
func (g *Gateway) reject(id ConnID, reason string) {
	g.w.reg.Send(id, protocol.ConnectionError{Reason: reason})
}

// validateName 去除首尾空白后校验长度与字符
func validateName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	switch {
	case name == "":
		return "", errNameEmpty
	case len(name) > protocol.MaxNameLen:
		return "", errNameTooLong
	case !utf8.ValidString(name) || strings.IndexFunc(name, unicode.IsControl) >= 0:
		return "", errNameInvalid
	}
	return name, nil
}
