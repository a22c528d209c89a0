package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"OpenMCP-Assistant/internal/api"
	"OpenMCP-Assistant/internal/config"
	"OpenMCP-Assistant/internal/observability/metrics"
	"OpenMCP-Assistant/internal/session"
	"OpenMCP-Assistant/internal/task"
	"OpenMCP-Assistant/pkg/logger"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP API、异步任务处理器与会话清理",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	g, ctx := errgroup.WithContext(ctx)

	var apiOpts []api.Option
	if a.cfg.TaskQueue.Enabled {
		svc, processor, err := buildTaskPipeline(a)
		if err != nil {
			return err
		}
		apiOpts = append(apiOpts, api.WithTaskService(svc))
		g.Go(func() error { return processor.Start(ctx) })
	}

	server := api.NewServer(a.cfg.Server.Address, a.master, apiOpts...)
	g.Go(func() error { return server.Start(ctx) })

	if addr := a.cfg.Server.MetricsAddress; addr != "" {
		g.Go(func() error { return metrics.StartServer(ctx, addr) })
	}
	if purgers := a.purgers(); a.cfg.Session.PurgeInterval > 0 && len(purgers) > 0 {
		g.Go(func() error {
			session.PurgeLoop(ctx, a.cfg.Session.PurgeInterval, logger.Named("purge"), purgers...)
			return nil
		})
	}
	return g.Wait()
}

// buildTaskPipeline 按配置创建任务存储、队列、服务与处理器。
func buildTaskPipeline(a *app) (*task.Service, *task.Processor, error) {
	cfg := a.cfg.TaskQueue

	var store task.Store
	if cfg.Store == "mysql" {
		store = task.NewMySQLStore(a.db)
	} else {
		store = task.NewMemoryStore()
	}

	queue, err := buildQueue(cfg, a)
	if err != nil {
		return nil, nil, err
	}

	svc := task.NewService(store, queue, cfg.Retries)
	a.onClose(svc.Close)
	processor := task.NewProcessor(a.master, store, queue, queue,
		task.WithWorkerCount(cfg.Workers),
		task.WithRetryDelay(cfg.RetryDelay),
		task.WithNotifier(a.events),
		task.WithProcessorLogger(logger.Named("task")),
	)
	return svc, processor, nil
}

func buildQueue(cfg config.TaskQueueConfig, a *app) (task.Queue, error) {
	switch cfg.Driver {
	case "redis":
		return task.NewRedisQueue(a.redis, cfg.Redis.Key, cfg.Redis.BlockWait), nil
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return task.NewMemoryQueue(1024), nil
	}
}
