package server

import (
	"sync/atomic"

	"trustno1/protocol"
)

// Broadcaster 推进 Tick 计数，每 every 个 Tick 向已认证连接发送一次世界快照
type Broadcaster struct {
	reg     *Registry
	hub     *SpectatorHub
	every   uint64
	metrics *Metrics

	tick    atomic.Uint64
	emitted atomic.Uint64
	last    atomic.Pointer[protocol.WorldState]
}

func NewBroadcaster(reg *Registry, hub *SpectatorHub, every int, m *Metrics) *Broadcaster {
	if every <= 0 {
		every = 1
	}
	return &Broadcaster{reg: reg, hub: hub, every: uint64(every), metrics: m}
}

// Advance 计数加一；到达广播节拍时用 build 构造快照并发送。返回新的 Tick 序号
func (b *Broadcaster) Advance(build func(tick uint64) protocol.WorldState) uint64 {
	t := b.tick.Add(1)
	if t%b.every != 0 {
		return t
	}
	ws := build(t)
	b.reg.Broadcast(func(v ConnView) bool { return v.Bound }, ws)
	if b.hub != nil {
		b.hub.Publish(ws)
	}
	b.last.Store(&ws)
	b.emitted.Add(1)
	b.metrics.IncSnapshots()
	return t
}

// CurrentTick 当前 Tick 序号（可并发读取）
func (b *Broadcaster) CurrentTick() uint64 { return b.tick.Load() }

// Emitted 已发出的快照数
func (b *Broadcaster) Emitted() uint64 { return b.emitted.Load() }

// Last 最近一次发出的快照，尚未发出时为 nil
func (b *Broadcaster) Last() *protocol.WorldState { return b.last.Load() }
