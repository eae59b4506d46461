package protocol

import "github.com/google/uuid"

// ClientMessage 客户端发往服务端的消息（封闭接口，按类型 switch 穷举处理）
type ClientMessage interface {
	ClientKind() Kind
}

// ServerMessage 服务端发往客户端的消息
type ServerMessage interface {
	ServerKind() Kind
}

// AuthRequest 连接类消息（connect/login/register/reconnect）的公共视图
type AuthRequest interface {
	ClientMessage
	Version() uint32
}

// Connect 访客接入：只携带名字，不做凭据校验
type Connect struct {
	ProtocolVersion uint32 `msgpack:"protocol_version"`
	PlayerName      string `msgpack:"player_name"`
}

// Login 账号登录
type Login struct {
	ProtocolVersion uint32 `msgpack:"protocol_version"`
	Username        string `msgpack:"username"`
	Password        string `msgpack:"password"`
}

// Register 注册新账号并登录
type Register struct {
	ProtocolVersion uint32 `msgpack:"protocol_version"`
	Username        string `msgpack:"username"`
	Password        string `msgpack:"password"`
}

// Reconnect 使用会话令牌恢复会话
type Reconnect struct {
	ProtocolVersion uint32 `msgpack:"protocol_version"`
	SessionToken    string `msgpack:"session_token"`
}

// Buttons 输入意图位集
type Buttons uint8

const (
	MoveForward Buttons = 1 << iota
	MoveBackward
	MoveLeft
	MoveRight
	Jump
	Sprint
)

// Has 判断位集中是否包含 b
func (b Buttons) Has(x Buttons) bool { return b&x != 0 }

// Intent 单帧玩家意图
type Intent struct {
	Buttons     Buttons `msgpack:"buttons"`
	CameraYaw   float64 `msgpack:"camera_yaw"`
	CameraPitch float64 `msgpack:"camera_pitch"`
}

// PlayerInput 玩家输入，Sequence 为每连接单调递增的序列号
type PlayerInput struct {
	Sequence uint32 `msgpack:"sequence"`
	Intent   Intent `msgpack:"input"`
}

// Ping 心跳
type Ping struct {
	Timestamp float64 `msgpack:"timestamp"`
}

// Disconnect 客户端主动断开（监听器在读失败时也会合成该消息）
type Disconnect struct{}

func (Connect) ClientKind() Kind { return KindConnect }
func (Login) ClientKind() Kind { return KindLogin }
func (Register) ClientKind() Kind { return KindRegister }
func (Reconnect) ClientKind() Kind { return KindReconnect }
func (PlayerInput) ClientKind() Kind { return KindInput }
func (Ping) ClientKind() Kind { return KindPing }
func (Disconnect) ClientKind() Kind { return KindDisconnect }

func (m Connect) Version() uint32 { return m.ProtocolVersion }
func (m Login) Version() uint32 { return m.ProtocolVersion }
func (m Register) Version() uint32 { return m.ProtocolVersion }
func (m Reconnect) Version() uint32 { return m.ProtocolVersion }

// PlayerState 快照中单个玩家的状态
type PlayerState struct {
	PlayerID          uuid.UUID `msgpack:"player_id" json:"player_id"`
	Position          Vec3      `msgpack:"position" json:"position"`
	Velocity          Vec3      `msgpack:"velocity" json:"velocity"`
	Rotation          Quat      `msgpack:"rotation" json:"rotation"`
	Health            float64   `msgpack:"health" json:"health"`
	IsGrounded        bool      `msgpack:"is_grounded" json:"is_grounded"`
	LastInputSequence uint32    `msgpack:"last_input_sequence" json:"last_input_sequence"`
}

// Connected 认证成功
type Connected struct {
	PlayerID      uuid.UUID `msgpack:"player_id"`
	TickRate      uint32    `msgpack:"tick_rate"`
	SessionToken  string    `msgpack:"session_token"`
	SpawnPosition Vec3      `msgpack:"spawn_position"`
}

// WorldState 世界快照
type WorldState struct {
	Tick      uint64        `msgpack:"tick" json:"tick"`
	Players   []PlayerState `msgpack:"players" json:"players"`
	Timestamp float64       `msgpack:"timestamp" json:"timestamp"`
}

// PlayerJoined 其他玩家加入
type PlayerJoined struct {
	PlayerID uuid.UUID `msgpack:"player_id"`
	Name     string    `msgpack:"name"`
	Position Vec3      `msgpack:"position"`
}

// PlayerLeft 其他玩家离开
type PlayerLeft struct {
	PlayerID uuid.UUID `msgpack:"player_id"`
}

// Pong 心跳回应，原样回显客户端时间戳
type Pong struct {
	Timestamp float64 `msgpack:"timestamp"`
}

// ConnectionError 错误或拒绝
type ConnectionError struct {
	Reason string `msgpack:"reason"`
}

func (Connected) ServerKind() Kind { return KindConnected }
func (WorldState) ServerKind() Kind { return KindWorldState }
func (PlayerJoined) ServerKind() Kind { return KindPlayerJoined }
func (PlayerLeft) ServerKind() Kind { return KindPlayerLeft }
func (Pong) ServerKind() Kind { return KindPong }
func (ConnectionError) ServerKind() Kind { return KindConnectionError }
