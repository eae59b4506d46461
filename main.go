package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trustno1/config"
	"trustno1/protocol"
	"trustno1/server"
	"trustno1/store"
)

// Trust-No-1 入口：加载配置，决定是否启用持久化，启动 TCP 玩家端口与 HTTP 管理接口
func main() {
	var (
		cfgPath   = flag.String("config", "configs/server.yaml", "path to server.yaml")
		addr      = flag.String("addr", "", "player TCP listen address (overrides config), e.g. :7777")
		adminAddr = flag.String("admin", "", "admin HTTP listen address (overrides config), e.g. :8080")
		logFile   = flag.String("log", "", "log file (overrides config)")
		ephemeral = flag.Bool("ephemeral", false, "disable persistence")
	)
	flag.Parse()

	cfg, cfgErr := config.Load(*cfgPath)
	if cfgErr != nil && !errors.Is(cfgErr, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "config: %v\n", cfgErr)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *adminAddr != "" {
		cfg.AdminListen = *adminAddr
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	if *ephemeral {
		cfg.Store.Disabled = true
	}

	// 使用第三方 zap 日志库写入滚动日志文件
	if err := server.InitLogger(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer server.SyncLogger()
	if cfgErr != nil {
		server.Log.Warnf("config %s not found, using defaults", *cfgPath)
	}

	// 存储打不开时整个进程以无持久化模式运行
	var (
		st      server.Store
		journal server.Journal
	)
	if !cfg.Store.Disabled {
		db, err := openStore(cfg.Store)
		if err != nil {
			server.Log.Warnf("open store %s: %v", cfg.Store.Path, err)
		} else {
			defer db.Close()
			st = db
			if cfg.Store.JournalDir != "" {
				j := store.NewJournal(cfg.Store.JournalDir, "persist")
				defer func() {
					if err := j.Close(); err != nil {
						server.Log.Warnf("close journal: %v", err)
					}
					server.Log.Infof("journal closed after %d entries", j.Seq())
				}()
				journal = j
			}
		}
	}

	srv := server.New(cfg, st, journal)
	if err := srv.Listen(); err != nil {
		server.Log.Fatalf("listen %s: %v", cfg.Listen, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var admin *http.Server
	if cfg.AdminListen != "" {
		admin = &http.Server{Addr: cfg.AdminListen, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			server.Log.Infof("admin listening on %s", cfg.AdminListen)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				server.Log.Errorf("admin listen: %v", err)
			}
		}()
	}

	server.Log.Infof("Trust-No-1 server listening on %s (protocol v%d, %d Hz)", srv.Addr(), protocol.Version, cfg.TickRate)
	if err := srv.Run(ctx); err != nil {
		server.Log.Errorf("serve: %v", err)
	}

	// 优雅退出（Ctrl+C）
	server.Log.Info("Shutting down...")
	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = admin.Shutdown(shutdownCtx)
	}
}

func openStore(cfg config.Store) (*store.SQLite, error) {
	return store.OpenSQLite(cfg.Path, cfg.SessionTTL)
}
