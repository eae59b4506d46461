package server

import (
	"sync/atomic"
)

// Metrics 记录服务运行期的关键指标（用于监控与调试）
type Metrics struct {
	TickCount       int64 // Tick 次数
	TotalTickNs     int64 // Tick 累计耗时（纳秒）
	Accepted        int64 // 累计接入的 TCP 连接
	InputsAccepted  int64 // 被接受的输入数
	RateLimited     int64 // 因令牌桶限流被丢弃的输入数
	OldSeqIgnored   int64 // 因旧序列被忽略的输入数
	InvalidInputs   int64 // 含 NaN/Inf 被丢弃的输入数
	MalformedFrames int64 // 无法解析而跳过的帧
	SendDropped     int64 // 因发送队列满被丢弃的帧
	SpeedClamped    int64 // 速度超过硬上限被修正
	BoundsClamped   int64 // 位置被裁剪回世界边界
	Respawns        int64 // 掉出世界被重生
	Snapshots       int64 // 已广播的 WorldState
	PersistQueued   int64 // 入队的持久化命令
	PersistFailed   int64 // 执行失败的持久化命令
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) IncAccepted() { atomic.AddInt64(&m.Accepted, 1) }
func (m *Metrics) IncInputsAccepted() { atomic.AddInt64(&m.InputsAccepted, 1) }
func (m *Metrics) IncRateLimited() { atomic.AddInt64(&m.RateLimited, 1) }
func (m *Metrics) IncOldSeqIgnored() { atomic.AddInt64(&m.OldSeqIgnored, 1) }
func (m *Metrics) IncInvalidInputs() { atomic.AddInt64(&m.InvalidInputs, 1) }
func (m *Metrics) IncMalformed() { atomic.AddInt64(&m.MalformedFrames, 1) }
func (m *Metrics) IncSendDropped() { atomic.AddInt64(&m.SendDropped, 1) }
func (m *Metrics) IncSpeedClamped() { atomic.AddInt64(&m.SpeedClamped, 1) }
func (m *Metrics) IncBoundsClamped() { atomic.AddInt64(&m.BoundsClamped, 1) }
func (m *Metrics) IncRespawns() { atomic.AddInt64(&m.Respawns, 1) }
func (m *Metrics) IncSnapshots() { atomic.AddInt64(&m.Snapshots, 1) }
func (m *Metrics) IncPersistQueued() { atomic.AddInt64(&m.PersistQueued, 1) }
func (m *Metrics) IncPersistFailed() { atomic.AddInt64(&m.PersistFailed, 1) }
func (m *Metrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":       tick,
		"avg_tick_ms":      avgMs,
		"accepted":         atomic.LoadInt64(&m.Accepted),
		"inputs_accepted":  atomic.LoadInt64(&m.InputsAccepted),
		"rate_limited":     atomic.LoadInt64(&m.RateLimited),
		"old_seq_ignored":  atomic.LoadInt64(&m.OldSeqIgnored),
		"invalid_inputs":   atomic.LoadInt64(&m.InvalidInputs),
		"malformed_frames": atomic.LoadInt64(&m.MalformedFrames),
		"send_dropped":     atomic.LoadInt64(&m.SendDropped),
		"speed_clamped":    atomic.LoadInt64(&m.SpeedClamped),
		"bounds_clamped":   atomic.LoadInt64(&m.BoundsClamped),
		"respawns":         atomic.LoadInt64(&m.Respawns),
		"snapshots":        atomic.LoadInt64(&m.Snapshots),
		"persist_queued":   atomic.LoadInt64(&m.PersistQueued),
		"persist_failed":   atomic.LoadInt64(&m.PersistFailed),
	}
}
