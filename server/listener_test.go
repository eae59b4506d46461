package server

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"trustno1/config"
	"trustno1/protocol"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	return startTestServerWith(t, testConfig())
}

func startTestServerWith(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	cfg.Listen = "127.0.0.1:0"
	srv := New(cfg, nil, nil)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return srv
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c net.Conn, m protocol.ClientMessage) {
	t.Helper()
	frame, err := protocol.EncodeClient(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// waitFor 读帧直到出现 kind，跳过其他消息（主要是 WorldState）
func waitFor(t *testing.T, c net.Conn, kind protocol.Kind) protocol.ServerMessage {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer c.SetReadDeadline(time.Time{})
	for {
		payload, err := protocol.ReadFrame(c)
		if err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		m, err := protocol.DecodeServer(payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if m.ServerKind() == kind {
			return m
		}
	}
}

func join(t *testing.T, srv *Server, name string) (net.Conn, protocol.Connected) {
	t.Helper()
	c := dial(t, srv)
	send(t, c, protocol.Connect{ProtocolVersion: protocol.Version, PlayerName: name})
	return c, waitFor(t, c, protocol.KindConnected).(protocol.Connected)
}

func TestLoopbackSession(t *testing.T) {
	srv := startTestServer(t)
	alice, _ := join(t, srv, "alice")
	bob, bobInfo := join(t, srv, "bob")

	pj := waitFor(t, alice, protocol.KindPlayerJoined).(protocol.PlayerJoined)
	if pj.PlayerID != bobInfo.PlayerID || pj.Name != "bob" {
		t.Fatalf("PlayerJoined = %+v", pj)
	}

	ws := waitFor(t, bob, protocol.KindWorldState).(protocol.WorldState)
	if len(ws.Players) != 2 || ws.Tick%2 != 0 {
		t.Fatalf("WorldState = %+v", ws)
	}

	// 非法帧被跳过，连接继续可用
	garbage := []byte{0, 0, 0, 3, 0xc1, 0xc1, 0xc1}
	if _, err := bob.Write(garbage); err != nil {
		t.Fatalf("write: %v", err)
	}
	send(t, bob, protocol.Ping{Timestamp: 42})
	if p := waitFor(t, bob, protocol.KindPong).(protocol.Pong); p.Timestamp != 42 {
		t.Fatalf("pong = %+v", p)
	}

	_ = bob.Close()
	pl := waitFor(t, alice, protocol.KindPlayerLeft).(protocol.PlayerLeft)
	if pl.PlayerID != bobInfo.PlayerID {
		t.Fatalf("PlayerLeft = %+v", pl)
	}
}

func TestLoopbackInputRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.InputRate = config.InputRate{PerSecond: 1, Burst: 5}
	srv := startTestServerWith(t, cfg)
	c, _ := join(t, srv, "flood")

	const sent = 100
	for i := 1; i <= sent; i++ {
		send(t, c, protocol.PlayerInput{Sequence: uint32(i), Intent: protocol.Intent{Buttons: protocol.MoveForward}})
	}
	// Ping 不受限流影响，且排在所有输入之后
	send(t, c, protocol.Ping{Timestamp: 7})
	if p := waitFor(t, c, protocol.KindPong).(protocol.Pong); p.Timestamp != 7 {
		t.Fatalf("pong = %+v", p)
	}

	limited := atomic.LoadInt64(&srv.metrics.RateLimited)
	accepted := atomic.LoadInt64(&srv.metrics.InputsAccepted)
	if limited < sent-10 {
		t.Fatalf("rate limited = %d, want most of %d", limited, sent)
	}
	if accepted == 0 || accepted+limited != sent {
		t.Fatalf("accepted = %d, limited = %d, sent = %d", accepted, limited, sent)
	}

	// 限流只针对输入，鉴权类消息照常处理
	send(t, c, protocol.Connect{ProtocolVersion: 1, PlayerName: "again"})
	ce := waitFor(t, c, protocol.KindConnectionError).(protocol.ConnectionError)
	if ce.Reason == "" {
		t.Fatalf("empty reason")
	}
}

func TestLoopbackVersionMismatch(t *testing.T) {
	srv := startTestServer(t)
	c := dial(t, srv)
	send(t, c, protocol.Connect{ProtocolVersion: 1, PlayerName: "old"})
	ce := waitFor(t, c, protocol.KindConnectionError).(protocol.ConnectionError)
	if ce.Reason == "" {
		t.Fatalf("empty reason")
	}
	expectClosed(t, c)
}

func TestLoopbackOversizedFrameCloses(t *testing.T) {
	srv := startTestServer(t)
	c := dial(t, srv)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], protocol.MaxFrameSize+1)
	if _, err := c.Write(hdr[:]); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClosed(t, c)
}

func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1024)
	for {
		_, err := c.Read(buf)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatalf("connection still open")
		}
		return
	}
}
