package server

import (
	"trustno1/protocol"
)

// Inbound 入站消息：读协程产生，Tick 协程按到达顺序消费。
// Dropped 表示传输层断开（EOF/读错误），区别于客户端主动 Disconnect。
type Inbound struct {
	ConnID  ConnID
	Msg     protocol.ClientMessage
	Dropped bool
}

// handleInput 记录意图（不立即改变位置），等本 Tick 的世界推进统一处理
func (w *World) handleInput(id ConnID, in protocol.PlayerInput) {
	e, ok := w.byConn[id]
	if !ok {
		// 未绑定的连接不能影响世界
		return
	}
	if !protocol.Finite(in.Intent.CameraYaw) || !protocol.Finite(in.Intent.CameraPitch) {
		w.metrics.IncInvalidInputs()
		Log.Warnf("conn %d: non-finite camera angles in input %d, dropped", id, in.Sequence)
		return
	}
	if e.seqSeen && in.Sequence <= e.LastInputSeq {
		w.metrics.IncOldSeqIgnored()
		return
	}
	e.seqSeen = true
	e.LastInputSeq = in.Sequence
	e.Intent = in.Intent
	e.Yaw = in.Intent.CameraYaw
	if in.Intent.Buttons.Has(protocol.Jump) {
		e.JumpTimer = w.physics().JumpBuffer
	}
	w.metrics.IncInputsAccepted()
}
