package server

import (
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trustno1/config"
	"trustno1/protocol"
	"trustno1/store"
)

// sweepInterval 存活检查周期
const sweepInterval = time.Second

const reasonBanned = "account banned"

var errBanUnavailable = errors.New("ban requires persistence")

// kick 管理操作要求断开的账号
type kick struct {
	Username string
	Reason   string
}

// World 权威世界：实体表只由 Tick 协程读写，其余协程通过队列与之交互
type World struct {
	cfg  config.Config
	phys atomic.Pointer[config.Physics]

	reg     *Registry
	inbound *Queue[Inbound]
	persist *PersistenceWorker // nil 表示无持久化模式
	metrics *Metrics
	gateway *Gateway
	caster  *Broadcaster
	kicks   *Queue[kick]

	entities   map[EntityID]*Entity
	bySession  map[uuid.UUID]*Entity
	byConn     map[ConnID]*Entity
	nextEntity EntityID

	entityCount atomic.Int64
	lastSweep   time.Time
	now         func() time.Time
}

// NewWorld 组装世界；persist 为 nil 时整个生命周期都不做持久化
func NewWorld(cfg config.Config, reg *Registry, inbound *Queue[Inbound], persist *PersistenceWorker, hub *SpectatorHub, m *Metrics) *World {
	if m == nil {
		m = NewMetrics()
	}
	w := &World{
		cfg:       cfg,
		reg:       reg,
		inbound:   inbound,
		persist:   persist,
		metrics:   m,
		entities:  make(map[EntityID]*Entity),
		bySession: make(map[uuid.UUID]*Entity),
		byConn:    make(map[ConnID]*Entity),
		kicks:     NewQueue[kick](),
		now:       time.Now,
	}
	p := cfg.Physics
	w.phys.Store(&p)
	w.gateway = &Gateway{w: w}
	w.caster = NewBroadcaster(reg, hub, cfg.BroadcastEvery, m)
	return w
}

func (w *World) physics() config.Physics { return *w.phys.Load() }

// Physics 当前运动参数（可并发读取）
func (w *World) Physics() config.Physics { return w.physics() }

// SetPhysics 热更新运动参数，下一 Tick 生效
func (w *World) SetPhysics(p config.Physics) error {
	if err := p.Validate(); err != nil {
		return err
	}
	w.phys.Store(&p)
	return nil
}

// Ephemeral 是否运行在无持久化模式
func (w *World) Ephemeral() bool { return w.persist == nil }

// EntityCount 当前实体数（可并发读取）
func (w *World) EntityCount() int { return int(w.entityCount.Load()) }

// spawn 为已认证连接生成实体
func (w *World) spawn(id ConnID, a admission) *Entity {
	w.nextEntity++
	p := w.physics()
	e := &Entity{
		ID:         w.nextEntity,
		ConnID:     id,
		PlayerID:   a.PlayerID,
		Name:       a.Name,
		Persistent: a.Persistent,
		Position:   a.Position,
		Yaw:        a.Yaw,
		Grounded:   a.Position.Y == 0,
		Health:     Health{Current: a.Health, Max: p.MaxHealth},
	}
	w.entities[e.ID] = e
	w.bySession[e.PlayerID] = e
	w.byConn[id] = e
	w.entityCount.Store(int64(len(w.entities)))
	return e
}

func (w *World) despawn(e *Entity) {
	delete(w.entities, e.ID)
	if cur, ok := w.bySession[e.PlayerID]; ok && cur == e {
		delete(w.bySession, e.PlayerID)
	}
	if cur, ok := w.byConn[e.ConnID]; ok && cur == e {
		delete(w.byConn, e.ConnID)
	}
	w.entityCount.Store(int64(len(w.entities)))
}

// teardown 移除连接与其实体；重复调用无副作用。
// clean 表示客户端主动 Disconnect：结束存储中的会话；传输断开则保留会话以便恢复。
func (w *World) teardown(id ConnID, clean bool) {
	view, ok := w.reg.Remove(id)
	e := w.byConn[id]
	if e != nil {
		w.despawn(e)
		w.reg.Broadcast(func(v ConnView) bool { return v.Bound }, protocol.PlayerLeft{PlayerID: e.PlayerID})
		if e.Persistent && w.persist != nil {
			w.persist.Enqueue(SavePosition{State: w.storedState(e, false)})
		}
		Log.Infof("player left: conn=%d name=%s session=%s clean=%v", id, e.Name, e.PlayerID, clean)
	}
	if !ok {
		return
	}
	if clean && view.Persistent && view.Token != "" && w.persist != nil {
		w.persist.Enqueue(EndSession{Token: view.Token})
	}
	Log.Debugf("conn %d (%s) removed", id, view.RemoteAddr)
}

func (w *World) storedState(e *Entity, online bool) store.PlayerState {
	return store.PlayerState{
		PlayerID: e.PlayerID,
		Position: e.Position,
		Rotation: protocol.QuatFromYaw(e.Yaw),
		Health:   e.Health.Current,
		Online:   online,
	}
}

// Snapshot 构造世界快照（按实体 ID 排序）
func (w *World) Snapshot(tick uint64) protocol.WorldState {
	ids := make([]EntityID, 0, len(w.entities))
	for id := range w.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	players := make([]protocol.PlayerState, 0, len(ids))
	for _, id := range ids {
		players = append(players, w.entities[id].State())
	}
	return protocol.WorldState{
		Tick:      tick,
		Players:   players,
		Timestamp: float64(w.now().UnixNano()) / 1e9,
	}
}

// Ban 封禁账号（可并发调用）：持久化命令写库并结束会话，在线实体在下一 Tick 断开
func (w *World) Ban(username, reason string) error {
	if w.persist == nil {
		return errBanUnavailable
	}
	w.persist.Enqueue(Ban{Username: username, Reason: reason})
	w.kicks.Push(kick{Username: username, Reason: reason})
	return nil
}

// applyKicks 断开被封禁账号的在线连接；访客同名不受影响
func (w *World) applyKicks() {
	for _, k := range w.kicks.Drain() {
		for _, e := range w.entities {
			if !e.Persistent || e.Name != k.Username {
				continue
			}
			Log.Infof("kicking %s (conn %d): %s", e.Name, e.ConnID, k.Reason)
			w.reg.Send(e.ConnID, protocol.ConnectionError{Reason: reasonBanned})
			w.teardown(e.ConnID, false)
		}
	}
}

// periodicSave 每 SaveEveryTicks 个 Tick 保存一次所有可持久化实体
func (w *World) periodicSave(tick uint64) {
	every := uint64(w.cfg.SaveEveryTicks)
	if w.persist == nil || every == 0 || tick%every != 0 {
		return
	}
	for _, e := range w.entities {
		if e.Persistent {
			w.persist.Enqueue(SavePosition{State: w.storedState(e, true)})
		}
	}
}

// saveAll 停机时保存全部可持久化实体并标记离线
func (w *World) saveAll() int {
	if w.persist == nil {
		return 0
	}
	n := 0
	for _, e := range w.entities {
		if e.Persistent {
			w.persist.Enqueue(SavePosition{State: w.storedState(e, false)})
			n++
		}
	}
	return n
}

// sweepIdle 断开空闲或迟迟未认证的连接
func (w *World) sweepIdle() {
	now := w.now()
	if now.Sub(w.lastSweep) < sweepInterval {
		return
	}
	w.lastSweep = now
	for _, id := range w.reg.Stale(now, w.cfg.IdleTimeout, w.cfg.AuthTimeout) {
		view, ok := w.reg.Lookup(id)
		if !ok {
			continue
		}
		reason := "idle timeout"
		if !view.Bound {
			reason = "authentication timeout"
		}
		Log.Infof("evicting conn %d (%s): %s", id, view.RemoteAddr, reason)
		w.reg.Send(id, protocol.ConnectionError{Reason: reason})
		w.teardown(id, false)
	}
}
