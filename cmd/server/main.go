package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"havenledger/internal/config"
	"havenledger/internal/handler"
	"havenledger/internal/infrastructure/cache"
	"havenledger/internal/infrastructure/database"
	"havenledger/internal/infrastructure/mq"
	"havenledger/internal/job"
	"havenledger/pkg/idgen"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	workerID := flag.Int64("worker-id", 1, "雪花算法机器ID (0-1023)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 5*time.Second, "优雅关闭的最长等待时间")
	flag.Parse()

	cfg := config.LoadConfig(*configPath)
	idgen.Init(*workerID)

	db := database.InitDatabase(&cfg.Database)

	redisClient := cache.InitRedis(&cfg.Redis)
	defer redisClient.Close()

	producer := mq.InitKafka(&cfg.Kafka)
	defer producer.Close()

	// SIGINT / SIGTERM 触发关闭
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// outbox 投递和撤销窗口清理都跟随 ctx 退出
	outboxSender := job.NewOutboxSender(db, producer, cfg)
	go outboxSender.Start(ctx)

	finalizeJob := job.NewUnlockFinalizeJob(db, cfg)
	go finalizeJob.Start(ctx)

	router, err := handler.SetupRouter(db, redisClient, cfg)
	if err != nil {
		log.Fatalf("初始化路由失败: %v", err)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("账本服务启动，监听端口: %d", cfg.Server.Port)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("服务启动失败: %v", err)
		}
		return
	case <-ctx.Done():
	}

	log.Println("收到退出信号，正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()

	// 先停止接收请求，进行中的解锁事务会在此期间提交
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP 服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
