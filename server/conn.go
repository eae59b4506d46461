package server

import (
	"net"
	"sync"
	"time"
)

// writeWait 单帧写超时，慢客户端不会拖住写协程
const writeWait = 5 * time.Second

// Sender 连接的发送端抽象：注册表只依赖它，测试可替换为内存实现
type Sender interface {
	// Enqueue 非阻塞入队一帧，队列满或已关闭返回 false
	Enqueue(frame []byte) bool
	Close()
}

// ClientConn 负责发送（写）数据到客户端的轻量包装
type ClientConn struct {
	conn    net.Conn
	send    chan []byte
	closing chan struct{}
	once    sync.Once
}

func NewClientConn(conn net.Conn, queue int) *ClientConn {
	if queue <= 0 {
		queue = 64
	}
	return &ClientConn{
		conn:    conn,
		send:    make(chan []byte, queue),
		closing: make(chan struct{}),
	}
}

// Enqueue 将要发送的帧压入队列（非阻塞，满则丢弃）
func (c *ClientConn) Enqueue(b []byte) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Close 通知写协程写完已排队的帧后关闭套接字；可重复调用
func (c *ClientConn) Close() {
	c.once.Do(func() { close(c.closing) })
}

// Abort 立即关闭底层套接字，读协程随之退出
func (c *ClientConn) Abort() {
	c.Close()
	_ = c.conn.Close()
}

// writePump 独立协程，负责从 send 队列写出到 TCP
func (c *ClientConn) writePump() {
	defer c.conn.Close()
	for {
		select {
		case b := <-c.send:
			if !c.write(b) {
				return
			}
		case <-c.closing:
			// 尽量把已排队的帧（例如 ConnectionError）写出去
			for {
				select {
				case b := <-c.send:
					if !c.write(b) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *ClientConn) write(b []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := c.conn.Write(b); err != nil {
		Log.Debugf("write to %s failed: %v", c.conn.RemoteAddr(), err)
		return false
	}
	return true
}
