package main

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"OpenMCP-Assistant/internal/capability"
	"OpenMCP-Assistant/internal/config"
	"OpenMCP-Assistant/internal/events"
	"OpenMCP-Assistant/internal/history"
	"OpenMCP-Assistant/internal/ledger"
	"OpenMCP-Assistant/internal/oracle"
	"OpenMCP-Assistant/internal/oracle/openai"
	"OpenMCP-Assistant/internal/oracle/pythonbridge"
	"OpenMCP-Assistant/internal/orchestrator"
	"OpenMCP-Assistant/internal/safety"
	"OpenMCP-Assistant/internal/session"
	"OpenMCP-Assistant/internal/storage/mysql"
	"OpenMCP-Assistant/pkg/logger"
)

// app 持有按配置装配好的组件，closers 按逆序释放。
type app struct {
	cfg     *config.Config
	master  *orchestrator.Master
	redis   redis.UniversalClient
	db      *sql.DB
	events  events.Notifier
	closers []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close 释放所有外部连接。
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	errs = append(errs, logger.Sync())
	return stdErrors.Join(errs...)
}

// loadApp 读取配置、初始化日志并装配主协调器。
func loadApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
			Compress:   cfg.Log.Audit.Compress,
		},
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	a := &app{cfg: cfg}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg
	log := logger.Named("bootstrap")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	// 共享连接。
	if cfg.UsesRedis() {
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Address},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.onClose(a.redis.Close)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("连接 Redis 失败: %w", err)
		}
	}
	if cfg.UsesMySQL() {
		db, err := mysql.Open(ctx, cfg.MySQL)
		if err != nil {
			return err
		}
		a.db = db
		a.onClose(db.Close)
	}

	// 事件通知。
	notifiers := []events.Notifier{events.LogNotifier{}}
	if cfg.Events.NATS.URL != "" {
		nats, err := events.DialNATS(cfg.Events.NATS.URL, cfg.Events.NATS.SubjectPrefix)
		if err != nil {
			return err
		}
		a.onClose(func() error { nats.Close(); return nil })
		notifiers = append(notifiers, nats)
	}
	a.events = events.NewFanout(notifiers...)

	store, err := a.sessionStore()
	if err != nil {
		return err
	}
	decider, err := buildOracle(cfg.Oracle)
	if err != nil {
		return err
	}
	defs, err := capability.LoadDefinitions(cfg.Capabilities.Path)
	if err != nil {
		return err
	}
	registry, err := capability.FromDefinitions(defs, capability.HTTPBackendFactory)
	if err != nil {
		return err
	}
	dispatcher := capability.NewDispatcher(registry,
		capability.WithCallTimeout(cfg.Capabilities.CallTimeout),
		capability.WithDispatcherLogger(logger.Named("capability")),
	)

	opts := []orchestrator.Option{
		orchestrator.WithMaxIterations(cfg.Orchestrator.MaxIterations),
		orchestrator.WithTurnTimeout(cfg.Orchestrator.TurnTimeout),
		orchestrator.WithPersistTimeout(cfg.Orchestrator.PersistTimeout),
		orchestrator.WithKnowledgeLimit(cfg.Orchestrator.KnowledgeMaxChars),
		orchestrator.WithSessionTTL(cfg.Session.TTL),
		orchestrator.WithUndoWindow(cfg.Undo.Window),
		orchestrator.WithPolicy(safety.NewPolicy(
			safety.WithThreshold(cfg.Safety.ConfirmThreshold),
			safety.WithSampleSize(cfg.Safety.PreviewSample),
		)),
		orchestrator.WithLedger(a.undoLedger()),
		orchestrator.WithLocker(a.locker()),
		orchestrator.WithEvents(a.events),
		orchestrator.WithLogger(logger.Named("orchestrator")),
	}
	repo, err := a.historyRepository()
	if err != nil {
		return err
	}
	if repo != nil {
		opts = append(opts, orchestrator.WithHistory(repo, cfg.Orchestrator.HistoryDepth))
	}

	a.master = orchestrator.NewMaster(store, decider, dispatcher, opts...)
	log.Info("编排组件装配完成",
		slog.String("session_store", cfg.Session.Driver),
		slog.String("locks", cfg.Locks.Driver),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("oracle", cfg.Oracle.Provider),
		slog.Any("domains", registry.Domains()),
	)
	return nil
}

func (a *app) sessionStore() (session.Store, error) {
	var store session.Store
	switch a.cfg.Session.Driver {
	case "memory":
		store = session.NewMemoryStore()
	case "redis":
		store = session.NewRedisStore(a.redis, a.cfg.Session.Prefix)
	case "mysql":
		store = session.NewMySQLStore(a.db)
	default:
		return nil, fmt.Errorf("未知的会话存储: %s", a.cfg.Session.Driver)
	}
	if a.cfg.Session.Cache.Enabled && a.cfg.Session.Driver != "memory" {
		store = session.NewCachedStore(store, a.cfg.Session.Cache.Idle, a.cfg.Session.Cache.Sweep)
	}
	return store, nil
}

// purgers 收集需要后台清理的会话存储与撤销账本，Redis 实现依赖键过期，不在其中。
func (a *app) purgers() []session.Purger {
	var out []session.Purger
	if p, ok := a.master.Store().(session.Purger); ok {
		out = append(out, p)
	}
	if p, ok := a.master.Ledger().(session.Purger); ok {
		out = append(out, p)
	}
	return out
}

func (a *app) locker() session.Locker {
	if a.cfg.Locks.Driver == "redis" {
		return session.NewRedisLocker(a.redis, a.cfg.Locks.Prefix, a.cfg.Locks.TTL, a.cfg.Locks.Wait)
	}
	return session.NewMemoryLocker(a.cfg.Locks.Wait)
}

func (a *app) undoLedger() ledger.Ledger {
	if a.cfg.Ledger.Driver == "redis" {
		return ledger.NewRedisLedger(a.redis, a.cfg.Ledger.Prefix, a.cfg.Undo.Retention)
	}
	return ledger.NewMemoryLedger(ledger.WithRetention(a.cfg.Undo.Retention))
}

func (a *app) historyRepository() (history.Repository, error) {
	switch a.cfg.History.Driver {
	case "file":
		return history.NewFileRepository(a.cfg.Runtime.DataDir)
	case "mysql":
		return history.NewSQLRepository(a.db), nil
	default:
		return nil, nil
	}
}

func buildOracle(cfg config.OracleConfig) (oracle.Oracle, error) {
	switch cfg.Provider {
	case "openai":
		apiKey := cfg.OpenAI.ResolveAPIKey()
		if apiKey == "" {
			return nil, stdErrors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:      apiKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			Timeout:     cfg.OpenAI.Timeout,
			Temperature: cfg.OpenAI.Temperature,
		})
	default:
		script := pythonbridge.ResolveScriptPath(cfg.Python.WorkingDir, cfg.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.Python.PythonExecutable, script, cfg.Python.WorkingDir)
	}
}
