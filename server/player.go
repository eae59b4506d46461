package server

import (
	"github.com/google/uuid"

	"trustno1/protocol"
)

// EntityID 世界内实体标识
type EntityID uint64

// Health 生命值
type Health struct {
	Current float64
	Max     float64
}

// Entity 世界内的玩家实体（服务端权威状态），只在 Tick 协程中读写
type Entity struct {
	ID         EntityID
	ConnID     ConnID
	PlayerID   uuid.UUID // 会话身份
	Name       string
	Persistent bool

	Position protocol.Vec3
	Velocity protocol.Vec3
	Yaw      float64
	Grounded bool

	// JumpTimer 跳跃缓冲剩余秒数，>0 时落地即起跳
	JumpTimer float64
	Health    Health

	// Intent 最近一次输入的意图，保持到下一次输入
	Intent protocol.Intent

	LastInputSeq uint32
	seqSeen      bool

	// jumped 本 Tick 触发了起跳，跳过这一次重力
	jumped bool

	// outOfBounds 上一 Tick 位置被边界裁剪过，只在首次越界时告警
	outOfBounds bool
}

// State 转为快照中的玩家状态
func (e *Entity) State() protocol.PlayerState {
	return protocol.PlayerState{
		PlayerID:          e.PlayerID,
		Position:          e.Position,
		Velocity:          e.Velocity,
		Rotation:          protocol.QuatFromYaw(e.Yaw),
		Health:            e.Health.Current,
		IsGrounded:        e.Grounded,
		LastInputSequence: e.LastInputSeq,
	}
}
