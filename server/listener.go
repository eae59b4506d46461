package server

import (
	"context"
	"errors"
	"io"
	"net"

	"golang.org/x/time/rate"

	"trustno1/config"
	"trustno1/protocol"
)

const readBufferSize = 4096

// Listener TCP 接入：每个连接一个读协程 + 一个写协程，读到的消息进入入站队列
type Listener struct {
	addr      string
	sendQueue int
	inputRate config.InputRate

	reg     *Registry
	inbound *Queue[Inbound]
	metrics *Metrics

	ln net.Listener
}

func NewListener(cfg config.Config, reg *Registry, inbound *Queue[Inbound], m *Metrics) *Listener {
	return &Listener{
		addr:      cfg.Listen,
		sendQueue: cfg.SendQueue,
		inputRate: cfg.InputRate,
		reg:       reg,
		inbound:   inbound,
		metrics:   m,
	}
}

// Listen 绑定端口
func (l *Listener) Listen() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.ln = ln
	return nil
}

// Addr 实际监听地址（端口为 0 时用于获取随机端口）
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve 接受连接直到 ctx 结束
func (l *Listener) Serve(ctx context.Context) error {
	if l.ln == nil {
		if err := l.Listen(); err != nil {
			return err
		}
	}
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()
	Log.Infof("listening for players on %s", l.ln.Addr())
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			Log.Warnf("accept: %v", err)
			continue
		}
		l.accept(conn)
	}
}

func (l *Listener) accept(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	cc := NewClientConn(conn, l.sendQueue)
	id := l.reg.Register(cc, conn.RemoteAddr().String())
	l.metrics.IncAccepted()
	Log.Infof("conn %d accepted from %s", id, conn.RemoteAddr())

	go cc.writePump()
	go l.readLoop(id, cc)
}

// readLoop 解帧并入队；不做任何游戏逻辑
func (l *Listener) readLoop(id ConnID, cc *ClientConn) {
	var limiter *rate.Limiter
	if l.inputRate.PerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(l.inputRate.PerSecond), l.inputRate.Burst)
	}
	dec := &protocol.Decoder{}
	buf := make([]byte, readBufferSize)
	for {
		n, err := cc.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if !l.drain(id, cc, dec, limiter) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				Log.Debugf("conn %d read: %v", id, err)
			}
			l.inbound.Push(Inbound{ConnID: id, Dropped: true})
			return
		}
	}
}

// drain 取出所有完整帧；帧长度非法时关闭连接并返回 false
func (l *Listener) drain(id ConnID, cc *ClientConn, dec *protocol.Decoder, limiter *rate.Limiter) bool {
	for {
		payload, ok, err := dec.Next()
		if err != nil {
			Log.Warnf("conn %d: %v, closing", id, err)
			l.metrics.IncMalformed()
			cc.Abort()
			l.inbound.Push(Inbound{ConnID: id, Dropped: true})
			return false
		}
		if !ok {
			return true
		}
		l.reg.Touch(id)
		msg, err := protocol.DecodeClient(payload)
		if err != nil {
			l.metrics.IncMalformed()
			Log.Debugf("conn %d: skip frame: %v", id, err)
			continue
		}
		if _, isInput := msg.(protocol.PlayerInput); isInput && limiter != nil && !limiter.Allow() {
			l.metrics.IncRateLimited()
			continue
		}
		l.inbound.Push(Inbound{ConnID: id, Msg: msg})
	}
}
