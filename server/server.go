package server

import (
	"context"
	"net"
	"net/http"
	"sync"

	"trustno1/config"
)

// Server 组装监听器、注册表、世界与持久化工作协程的生命周期
type Server struct {
	cfg      config.Config
	metrics  *Metrics
	reg      *Registry
	inbound  *Queue[Inbound]
	persist  *PersistenceWorker
	hub      *SpectatorHub
	world    *World
	listener *Listener
}

// New 创建服务。st 为 nil 时进入无持久化模式（启动时一次性决定）
func New(cfg config.Config, st Store, j Journal) *Server {
	m := NewMetrics()
	reg := NewRegistry(m)
	inbound := NewQueue[Inbound]()
	hub := NewSpectatorHub(m)

	var pw *PersistenceWorker
	if st != nil {
		pw = NewPersistenceWorker(st, j, cfg.Store.OpTimeout, m)
		Log.Infof("persistence enabled (%s)", cfg.Store.Path)
	} else {
		Log.Warn("persistence unavailable: running in ephemeral mode, sessions are not stored")
	}

	return &Server{
		cfg:      cfg,
		metrics:  m,
		reg:      reg,
		inbound:  inbound,
		persist:  pw,
		hub:      hub,
		world:    NewWorld(cfg, reg, inbound, pw, hub, m),
		listener: NewListener(cfg, reg, inbound, m),
	}
}

// Listen 绑定玩家端口
func (s *Server) Listen() error { return s.listener.Listen() }

// Addr 玩家端口的实际地址
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Run 运行到 ctx 结束：先停接入与 Tick，再让持久化工作协程写完剩余命令
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	persistCtx, stopPersist := context.WithCancel(context.Background())
	defer stopPersist()
	if s.persist != nil {
		go s.persist.Run(persistCtx)
	}

	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- s.listener.Serve(ctx)
	}()

	s.world.Run(ctx)
	s.hub.CloseAll()
	wg.Wait()

	if s.persist != nil {
		Log.Infof("flushing %d pending persistence commands", s.persist.Pending())
		stopPersist()
		s.persist.Wait()
	}
	return <-errCh
}

// Handler 管理与监控 HTTP 接口
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", s.HandleMetrics)
	mux.HandleFunc("/admin/players", s.HandlePlayers)
	mux.HandleFunc("/admin/config", s.HandleAdminConfig)
	mux.HandleFunc("/admin/ban", s.HandleBan)
	mux.HandleFunc("/ws/spectate", s.hub.HandleWS)
	return mux
}
