package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrMalformed 负载无法解析为已知消息：跳过该帧，连接保持
	ErrMalformed = errors.New("protocol: malformed payload")
	// ErrFrameTooLarge 长度前缀超出上限：无法重新同步，必须关闭连接
	ErrFrameTooLarge = errors.New("protocol: frame too large")
)

// envelope 自描述信封：t 为类型标签，p 为原始 msgpack 负载
type envelope struct {
	T Kind               `msgpack:"t"`
	P msgpack.RawMessage `msgpack:"p"`
}

// EncodeClient 编码客户端消息为完整帧（含长度前缀）
func EncodeClient(m ClientMessage) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("protocol: encode nil client message")
	}
	return encode(m.ClientKind(), m)
}

// EncodeServer 编码服务端消息为完整帧（含长度前缀）
func EncodeServer(m ServerMessage) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("protocol: encode nil server message")
	}
	return encode(m.ServerKind(), m)
}

func encode(k Kind, body any) ([]byte, error) {
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", k, err)
	}
	payload, err := msgpack.Marshal(envelope{T: k, P: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode envelope %s: %w", k, err)
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrFrameTooLarge, k, len(payload))
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// Decoder 增量分帧器：跨多次 Feed 缓存不完整的帧，不丢弃任何字节
type Decoder struct {
	buf []byte
}

// Feed 追加从流中读到的字节
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered 当前缓存但尚未成帧的字节数
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next 取出下一个完整帧的负载；ok=false 表示需要更多字节。
// 返回 ErrFrameTooLarge 时解码器已不可用。
func (d *Decoder) Next() (payload []byte, ok bool, err error) {
	if len(d.buf) < HeaderSize {
		return nil, false, nil
	}
	n := binary.BigEndian.Uint32(d.buf)
	if n > MaxFrameSize {
		return nil, false, fmt.Errorf("%w: length prefix %d", ErrFrameTooLarge, n)
	}
	end := HeaderSize + int(n)
	if len(d.buf) < end {
		return nil, false, nil
	}
	payload = make([]byte, n)
	copy(payload, d.buf[HeaderSize:end])
	d.buf = d.buf[end:]
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return payload, true, nil
}

// ReadFrame 从阻塞流中读取一个完整帧负载（客户端与测试使用）
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: length prefix %d", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func decodeEnvelope(payload []byte) (envelope, error) {
	var env envelope
	if len(payload) == 0 {
		return env, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

func decodeBody[T any](env envelope) (T, error) {
	var out T
	if len(env.P) == 0 {
		return out, fmt.Errorf("%w: empty body for %q", ErrMalformed, env.T)
	}
	if err := msgpack.Unmarshal(env.P, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrMalformed, env.T, err)
	}
	return out, nil
}

// DecodeClient 将帧负载解析为客户端消息
func DecodeClient(payload []byte) (ClientMessage, error) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		return nil, err
	}
	switch env.T {
	case KindConnect:
		return decodeBody[Connect](env)
	case KindLogin:
		return decodeBody[Login](env)
	case KindRegister:
		return decodeBody[Register](env)
	case KindReconnect:
		return decodeBody[Reconnect](env)
	case KindInput:
		return decodeBody[PlayerInput](env)
	case KindPing:
		return decodeBody[Ping](env)
	case KindDisconnect:
		return Disconnect{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown client kind %q", ErrMalformed, env.T)
	}
}

// DecodeServer 将帧负载解析为服务端消息
func DecodeServer(payload []byte) (ServerMessage, error) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		return nil, err
	}
	switch env.T {
	case KindConnected:
		return decodeBody[Connected](env)
	case KindWorldState:
		return decodeBody[WorldState](env)
	case KindPlayerJoined:
		return decodeBody[PlayerJoined](env)
	case KindPlayerLeft:
		return decodeBody[PlayerLeft](env)
	case KindPong:
		return decodeBody[Pong](env)
	case KindConnectionError:
		return decodeBody[ConnectionError](env)
	default:
		return nil, fmt.Errorf("%w: unknown server kind %q", ErrMalformed, env.T)
	}
}
