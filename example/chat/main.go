package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/broker"
	"github.com/tokmz/relay/pkg/envelope"
	"github.com/tokmz/relay/pkg/gateway"
	"github.com/tokmz/relay/pkg/logger"
	"github.com/tokmz/relay/pkg/state"
)

func main() {
	var (
		addr      = flag.String("addr", ":8080", "监听地址")
		cfgPath   = flag.String("config", "", "网关配置文件路径")
		redisAddr = flag.String("redis", "", "Redis 地址（留空使用进程内 broker）")
	)
	flag.Parse()

	log, err := logger.New(logger.DefaultConfig())
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	opts := []gateway.Option{
		gateway.WithLogger(log),
		gateway.WithAllowAllOrigins(),
	}

	if *cfgPath != "" {
		cfg, err := gateway.LoadConfig(*cfgPath)
		if err != nil {
			log.Error("load config failed", zap.Error(err))
			os.Exit(1)
		}
		opts = append([]gateway.Option{gateway.WithConfig(cfg)}, opts...)
	}

	// 多实例部署时通过 Redis 做跨进程扇出与全局成员视图
	if *redisAddr != "" {
		client, err := broker.NewRedisClient(&broker.RedisConfig{
			Mode: broker.RedisStandalone,
			Addr: *redisAddr,
		})
		if err != nil {
			log.Error("redis connect failed", zap.Error(err))
			os.Exit(1)
		}
		opts = append(opts,
			gateway.WithBroker(broker.NewRedisWithClient(client, log)),
			gateway.WithStateStore(state.NewRedis(client)),
		)
	} else {
		opts = append(opts,
			gateway.WithBroker(broker.NewLocal()),
			gateway.WithStateStore(state.NewMemory(state.DefaultTTL)),
		)
	}

	srv, err := gateway.New(opts...)
	if err != nil {
		log.Error("create gateway failed", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Error("start gateway failed", zap.Error(err))
		os.Exit(1)
	}

	chat := srv.Of("/chat")

	// 简易 token 认证
	chat.Use(func(ctx context.Context, c *gateway.Conn, r *http.Request) error {
		token := r.URL.Query().Get("token")
		if token == "" {
			return errors.New("missing token")
		}
		c.SetUser(token)
		return nil
	})

	// 正在输入提示：只发给同房间的其他成员
	if err := chat.Handle("chat.typing", func(c *gateway.Conn, e envelope.Envelope) error {
		if e.Room == "" || !c.InRoom(e.Room) {
			return errors.New("not in room")
		}
		if r, ok := c.Namespace().GetRoom(e.Room); ok {
			r.Broadcast("chat.typing", e.Payload, c.ID())
		}
		return nil
	}); err != nil {
		log.Error("register handler failed", zap.Error(err))
		os.Exit(1)
	}

	// 加入播报 + 每间房一条周期公告
	srv.Subscribe(gateway.EventRoomJoined, func(e gateway.Event) {
		ns := srv.Of(e.Namespace)
		r, ok := ns.GetRoom(e.Room)
		if !ok {
			return
		}
		r.Broadcast("chat.joined", []byte(`{"conn":"`+e.ConnID+`"}`), e.ConnID)
		r.AddTask("announce", time.Minute, func() {
			r.Broadcast("chat.announce", []byte(`{"text":"be nice"}`), "")
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	httpSrv := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		log.Info("chat example listening", zap.String("addr", *addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("gateway shutdown failed", zap.Error(err))
	}
}
