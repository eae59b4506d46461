package server

import (
	"context"
	"time"

	"trustno1/protocol"
)

// Run 启动固定频率的 Tick 循环（单线程推进世界），ctx 结束时保存并关闭所有连接
func (w *World) Run(ctx context.Context) {
	interval := w.cfg.TickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	Log.Infof("tick loop started: %d Hz, snapshot every %d ticks", w.cfg.TickRate, w.cfg.BroadcastEvery)
	for {
		select {
		case <-ctx.Done():
			n := w.saveAll()
			w.reg.CloseAll()
			Log.Infof("tick loop stopped at tick %d, %d entities saved", w.caster.CurrentTick(), n)
			return
		case <-ticker.C:
			// 核心循环：认证结果 → 入站消息 → 更新世界 → 广播结果
			start := time.Now()
			w.Tick()
			elapsed := time.Since(start)
			w.metrics.AddTick(elapsed.Nanoseconds())
			if elapsed > interval {
				Log.Warnf("tick %d overran: %v > %v", w.caster.CurrentTick(), elapsed, interval)
			}
		}
	}
}

// Tick 推进一帧
func (w *World) Tick() {
	if w.persist != nil {
		for _, res := range w.persist.Results() {
			w.gateway.Complete(res)
		}
	}
	w.applyKicks()
	w.ProcessInbound()
	w.UpdateWorld()
	tick := w.caster.Advance(w.Snapshot)
	w.periodicSave(tick)
	w.sweepIdle()
}

// ProcessInbound 按到达顺序处理本帧之前收到的全部入站消息
func (w *World) ProcessInbound() {
	for _, in := range w.inbound.Drain() {
		if in.Dropped {
			w.teardown(in.ConnID, false)
			continue
		}
		switch m := in.Msg.(type) {
		case protocol.Connect, protocol.Login, protocol.Register, protocol.Reconnect:
			w.gateway.Handle(in.ConnID, m.(protocol.AuthRequest))
		case protocol.PlayerInput:
			w.handleInput(in.ConnID, m)
		case protocol.Ping:
			w.reg.Send(in.ConnID, protocol.Pong{Timestamp: m.Timestamp})
		case protocol.Disconnect:
			w.teardown(in.ConnID, true)
		default:
			Log.Warnf("conn %d: unhandled message %T", in.ConnID, in.Msg)
		}
	}
}

// UpdateWorld 按当前意图推进所有实体，并就地修正越界状态
func (w *World) UpdateWorld() {
	p := w.physics()
	dt := 1.0 / float64(w.cfg.TickRate)
	for _, e := range w.entities {
		res := stepEntity(e, p, dt)
		if res.Invalid {
			Log.Warnf("entity %d (%s): non-finite state corrected", e.ID, e.Name)
		}
		if res.HardClamped {
			w.metrics.IncSpeedClamped()
			Log.Warnf("entity %d (%s): speed above %.1f, clamped to %.1f", e.ID, e.Name, p.MaxSpeed, p.SafeSpeed)
		}
		if res.BoundsClamped {
			w.metrics.IncBoundsClamped()
			if !e.outOfBounds {
				Log.Warnf("entity %d (%s): position clamped to world bounds ±%.1f at (%.2f, %.2f)",
					e.ID, e.Name, p.WorldBounds, e.Position.X, e.Position.Z)
			}
		}
		e.outOfBounds = res.BoundsClamped
		if res.Respawned {
			w.metrics.IncRespawns()
			Log.Warnf("entity %d (%s): fell below %.1f, respawned", e.ID, e.Name, p.FallLimit)
		}
	}
}
