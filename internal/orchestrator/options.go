package orchestrator

import (
	"log/slog"
	"time"

	"OpenMCP-Assistant/internal/events"
	"OpenMCP-Assistant/internal/history"
	"OpenMCP-Assistant/internal/ledger"
	"OpenMCP-Assistant/internal/safety"
	"OpenMCP-Assistant/internal/session"
)

const (
	defaultMaxIterations  = 10
	defaultTurnTimeout    = 60 * time.Second
	defaultPersistTimeout = 5 * time.Second
	defaultKnowledgeLimit = 2000
	defaultUndoWindow     = 5 * time.Minute
	defaultHistoryDepth   = 5
)

type settings struct {
	maxIterations  int
	turnTimeout    time.Duration
	persistTimeout time.Duration
	knowledgeLimit int
	sessionTTL     time.Duration
	undoWindow     time.Duration
	historyDepth   int

	policy  *safety.Policy
	ledger  ledger.Ledger
	locker  session.Locker
	history history.Repository
	events  events.Notifier
	now     func() time.Time
	logger  *slog.Logger
}

func defaultSettings() settings {
	return settings{
		maxIterations:  defaultMaxIterations,
		turnTimeout:    defaultTurnTimeout,
		persistTimeout: defaultPersistTimeout,
		knowledgeLimit: defaultKnowledgeLimit,
		sessionTTL:     session.DefaultTTL,
		undoWindow:     defaultUndoWindow,
		historyDepth:   defaultHistoryDepth,
		now:            time.Now,
	}
}

// Option 定义协调器的可选配置，主协调器与子协调器共用。
type Option func(*settings)

// WithMaxIterations 设置两类循环的最大迭代次数。
func WithMaxIterations(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxIterations = n
		}
	}
}

// WithTurnTimeout 设置一轮对话的墙钟超时。
func WithTurnTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.turnTimeout = d
		}
	}
}

// WithPersistTimeout 设置轮次结束时写回会话的超时。
func WithPersistTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.persistTimeout = d
		}
	}
}

// WithKnowledgeLimit 设置累积知识的最大字符数。
func WithKnowledgeLimit(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.knowledgeLimit = n
		}
	}
}

// WithSessionTTL 设置会话空闲过期时间。
func WithSessionTTL(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.sessionTTL = d
		}
	}
}

// WithUndoWindow 设置撤销窗口。
func WithUndoWindow(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.undoWindow = d
		}
	}
}

// WithPolicy 指定确认策略。
func WithPolicy(p *safety.Policy) Option {
	return func(s *settings) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithLedger 指定撤销账本。
func WithLedger(l ledger.Ledger) Option {
	return func(s *settings) {
		if l != nil {
			s.ledger = l
		}
	}
}

// WithLocker 指定会话锁。
func WithLocker(l session.Locker) Option {
	return func(s *settings) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithHistory 指定对话历史仓库及拆解阶段读取的条数。
func WithHistory(repo history.Repository, depth int) Option {
	return func(s *settings) {
		s.history = repo
		if depth > 0 {
			s.historyDepth = depth
		}
	}
}

// WithEvents 指定事件通知器。
func WithEvents(n events.Notifier) Option {
	return func(s *settings) {
		s.events = n
	}
}

// WithClock 替换时间来源，主要用于测试撤销窗口。
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

func buildSettings(opts []Option) settings {
	cfg := defaultSettings()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.policy == nil {
		cfg.policy = safety.NewPolicy()
	}
	if cfg.ledger == nil {
		cfg.ledger = ledger.NewMemoryLedger()
	}
	if cfg.locker == nil {
		cfg.locker = session.NewMemoryLocker(0)
	}
	if cfg.events == nil {
		cfg.events = events.LogNotifier{}
	}
	return cfg
}
