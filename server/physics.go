package server

import (
	"math"

	"trustno1/config"
	"trustno1/protocol"
)

// decayEpsilon 低于该值的水平速度直接归零
const decayEpsilon = 1e-6

// stepResult 单个实体一次推进中触发的修正
type stepResult struct {
	HardClamped   bool // 速度超过硬上限或出现非有限值被重设
	BoundsClamped bool // 水平位置被裁剪回世界边界
	Respawned     bool // 掉出世界被传送回重生点
	Invalid       bool // 朝向或位置出现 NaN/Inf
}

// stepEntity 推进单个实体 dt 秒：意图 → 跳跃 → 速度校验 → 积分 → 位置校验
func stepEntity(e *Entity, p config.Physics, dt float64) stepResult {
	var res stepResult
	if !protocol.Finite(e.Yaw) {
		e.Yaw = 0
		res.Invalid = true
	}
	applyIntent(e, p)
	applyJump(e, p, dt)
	if clampVelocity(&e.Velocity, p) {
		res.HardClamped = true
	}
	integrate(e, p, dt)
	if clampVelocity(&e.Velocity, p) {
		res.HardClamped = true
	}
	if !e.Position.Finite() {
		res.Invalid = true
	}
	res.BoundsClamped, res.Respawned = clampPosition(e, p)
	return res
}

// moveDirection 由四个方向键得到世界坐标系下的单位方向；无有效方向时 ok=false
func moveDirection(b protocol.Buttons, yaw float64) (dx, dz float64, ok bool) {
	var fx, fz float64
	if b.Has(protocol.MoveForward) {
		fz--
	}
	if b.Has(protocol.MoveBackward) {
		fz++
	}
	if b.Has(protocol.MoveLeft) {
		fx--
	}
	if b.Has(protocol.MoveRight) {
		fx++
	}
	l := math.Hypot(fx, fz)
	if l == 0 {
		return 0, 0, false
	}
	fx, fz = fx/l, fz/l
	s, c := math.Sincos(yaw)
	return fx*c + fz*s, -fx*s + fz*c, true
}

// applyIntent 有方向键时直接设定水平速度（无惯性），否则按衰减系数减速
func applyIntent(e *Entity, p config.Physics) {
	dx, dz, ok := moveDirection(e.Intent.Buttons, e.Yaw)
	if !ok {
		e.Velocity.X = decay(e.Velocity.X, p.Decay)
		e.Velocity.Z = decay(e.Velocity.Z, p.Decay)
		return
	}
	speed := p.BaseSpeed
	if e.Intent.Buttons.Has(protocol.Sprint) {
		speed = p.SprintSpeed
	}
	e.Velocity.X = dx * speed
	e.Velocity.Z = dz * speed
}

func decay(v, k float64) float64 {
	v *= k
	if math.Abs(v) < decayEpsilon {
		return 0
	}
	return v
}

// applyJump 跳跃缓冲有效且在地面时起跳；缓冲随时间消耗
func applyJump(e *Entity, p config.Physics, dt float64) {
	e.jumped = false
	if e.JumpTimer <= 0 {
		return
	}
	if e.Grounded {
		e.Velocity.Y = p.JumpVelocity
		e.Grounded = false
		e.JumpTimer = 0
		e.jumped = true
		return
	}
	e.JumpTimer = math.Max(0, e.JumpTimer-dt)
}

// integrate 重力与位置积分；向下穿过 y=0 平面时落地
func integrate(e *Entity, p config.Physics, dt float64) {
	if !e.Grounded && !e.jumped {
		e.Velocity.Y -= p.Gravity * dt
	}
	prevY := e.Position.Y
	e.Position = e.Position.Add(e.Velocity.Scale(dt))
	if prevY >= 0 && e.Position.Y <= 0 && e.Velocity.Y <= 0 {
		e.Position.Y = 0
		e.Velocity.Y = 0
		e.Grounded = true
		return
	}
	e.Grounded = false
}

// clampVelocity 限制速度：水平分量不超过安全速度；
// 总速度超过硬上限视为异常（返回 true），与超过安全速度一样按比例缩放到安全速度。
// 含 NaN/Inf 的速度无法缩放，直接归零并视为异常
func clampVelocity(v *protocol.Vec3, p config.Physics) bool {
	if !v.Finite() {
		*v = protocol.Vec3{}
		return true
	}
	raw := v.Length()
	if h := v.LengthXZ(); h > p.SafeSpeed {
		k := p.SafeSpeed / h
		v.X *= k
		v.Z *= k
	}
	if total := v.Length(); total > p.SafeSpeed {
		*v = v.Scale(p.SafeSpeed / total)
	}
	return raw > p.MaxSpeed
}

// clampPosition 水平位置裁剪到世界边界；跌落过深或坐标非有限值时重生
func clampPosition(e *Entity, p config.Physics) (clamped, respawned bool) {
	if e.Position.Finite() && e.Position.Y >= p.FallLimit {
		x := clamp(e.Position.X, -p.WorldBounds, p.WorldBounds)
		z := clamp(e.Position.Z, -p.WorldBounds, p.WorldBounds)
		clamped = x != e.Position.X || z != e.Position.Z
		e.Position.X, e.Position.Z = x, z
		return clamped, false
	}
	e.Position = p.Respawn
	e.Velocity = protocol.Vec3{}
	e.Grounded = false
	e.JumpTimer = 0
	return false, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
