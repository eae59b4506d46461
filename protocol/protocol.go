// Package protocol 定义客户端与服务端之间的线协议：消息形状与长度前缀分帧。
// 该包为纯函数实现，不做任何 I/O 之外的副作用。
package protocol

import "math"

const (
	// Version 协议版本，客户端与服务端必须完全一致
	Version uint32 = 2
	// DefaultPort 默认 TCP 监听端口
	DefaultPort = 7777
	// TickRate 服务端模拟频率（Hz）
	TickRate = 60

	// MaxFrameSize 单帧负载上限，超过视为长度前缀损坏
	MaxFrameSize = 1 << 20 // 1MB
	// MaxNameLen 玩家名最大长度（字节）
	MaxNameLen = 32
	// HeaderSize 长度前缀字节数
	HeaderSize = 4
)

// Kind 消息类型标签（信封中的 t 字段）
type Kind string

// 客户端 → 服务端
const (
	KindConnect    Kind = "connect"
	KindLogin      Kind = "login"
	KindRegister   Kind = "register"
	KindReconnect  Kind = "reconnect"
	KindInput      Kind = "input"
	KindPing       Kind = "ping"
	KindDisconnect Kind = "disconnect"
)

// 服务端 → 客户端
const (
	KindConnected       Kind = "connected"
	KindWorldState      Kind = "world_state"
	KindPlayerJoined    Kind = "player_joined"
	KindPlayerLeft      Kind = "player_left"
	KindPong            Kind = "pong"
	KindConnectionError Kind = "connection_error"
)

// Vec3 三维向量（y 轴向上）
type Vec3 struct {
	X float64 `msgpack:"x" json:"x"`
	Y float64 `msgpack:"y" json:"y"`
	Z float64 `msgpack:"z" json:"z"`
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }
func (v Vec3) Length() float64 { return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z) }

// LengthXZ 水平面上的长度
func (v Vec3) LengthXZ() float64 { return math.Hypot(v.X, v.Z) }

// Finite 三个分量都不是 NaN/Inf
func (v Vec3) Finite() bool { return Finite(v.X) && Finite(v.Y) && Finite(v.Z) }

// Finite 既不是 NaN 也不是 ±Inf
func Finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// Quat 旋转四元数
type Quat struct {
	X float64 `msgpack:"x" json:"x"`
	Y float64 `msgpack:"y" json:"y"`
	Z float64 `msgpack:"z" json:"z"`
	W float64 `msgpack:"w" json:"w"`
}

// QuatIdentity 单位旋转
var QuatIdentity = Quat{W: 1}

// QuatFromYaw 绕 y 轴旋转 yaw 弧度
func QuatFromYaw(yaw float64) Quat {
	s, c := math.Sincos(yaw / 2)
	return Quat{Y: s, W: c}
}

// Yaw 绕 y 轴的转角（假设四元数只含 yaw 分量）
func (q Quat) Yaw() float64 { return 2 * math.Atan2(q.Y, q.W) }
