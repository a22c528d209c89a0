package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"OpenMCP-Assistant/internal/capability"
	xerrors "OpenMCP-Assistant/internal/errors"
	"OpenMCP-Assistant/internal/events"
	"OpenMCP-Assistant/internal/history"
	"OpenMCP-Assistant/internal/ledger"
	"OpenMCP-Assistant/internal/observability/metrics"
	"OpenMCP-Assistant/internal/oracle"
	"OpenMCP-Assistant/internal/session"
	"OpenMCP-Assistant/pkg/logger"

	"github.com/google/uuid"
)

// TurnRequest 是一轮对话的输入。
type TurnRequest struct {
	Message   string `json:"message" validate:"required"`
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId" validate:"required"`
}

// TurnResponse 是一轮对话的输出，Message 永远非空。
type TurnResponse struct {
	Message              string `json:"message"`
	SessionID            string `json:"sessionId"`
	RequiresConfirmation bool   `json:"requiresConfirmation,omitempty"`
}

// Turn outcomes reported to metrics and the turn.completed event.
const (
	OutcomeComplete      = "complete"
	OutcomeConfirmation  = "confirmation"
	OutcomeIterationCap  = "iteration_bound"
	OutcomeTimeout       = "timeout"
	OutcomeCancelled     = "cancelled"
	OutcomeOracleFailure = "oracle_failure"
)

// Master 是主协调器：拆解用户输入、按顺序分派命令并折叠结果。
type Master struct {
	store   session.Store
	oracle  oracle.Oracle
	subs    map[string]*SubCoordinator
	domains []string
	cfg     settings
	logger  *slog.Logger
}

// NewMaster 为注册表中的每个领域创建子协调器。
func NewMaster(store session.Store, decider oracle.Oracle, dispatcher *capability.Dispatcher, opts ...Option) *Master {
	cfg := buildSettings(opts)
	log := cfg.logger
	if log == nil {
		log = logger.Named("orchestrator")
	}

	m := &Master{
		store:   store,
		oracle:  decider,
		subs:    make(map[string]*SubCoordinator),
		domains: dispatcher.Registry().Domains(),
		cfg:     cfg,
		logger:  log,
	}
	for _, domain := range m.domains {
		m.subs[domain] = newSubCoordinator(domain, decider, dispatcher, cfg)
	}
	return m
}

// Store 返回会话存储。
func (m *Master) Store() session.Store {
	return m.store
}

// Ledger 返回撤销账本。
func (m *Master) Ledger() ledger.Ledger {
	return m.cfg.ledger
}

// turnOutcome 汇总一次主循环的结果。
type turnOutcome struct {
	outcome      string
	iterations   int
	confirmation bool
	prompt       string
	lastMessage  string
	// notes 只记录本轮产生的说明，较早轮次的累积知识不进入回复。
	notes []string
}

func (o *turnOutcome) note(text string) {
	if text = strings.TrimSpace(text); text != "" {
		o.notes = append(o.notes, text)
	}
}

// ProcessTurn 处理一轮用户输入。会话签出期间独占，轮次结束时无条件写回。
func (m *Master) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	// 校验输入。
	text := strings.TrimSpace(req.Message)
	userID := strings.TrimSpace(req.UserID)
	if text == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "message 不能为空")
	}
	if userID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "userId 不能为空")
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// 独占签出会话。
	release, err := m.cfg.locker.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	sess, err := m.load(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	// 在轮次超时内运行主循环。
	turnCtx, cancel := context.WithTimeout(ctx, m.cfg.turnTimeout)
	out := m.run(turnCtx, sess, text, userID)
	cancel()

	// 超时或取消时不得留下 executing 状态。
	if n := sess.Master.FailExecuting(); n > 0 {
		m.logger.Warn("轮次提前结束，执行中的命令已标记失败",
			slog.String("session_id", sess.ID),
			slog.Int("commands", n),
			slog.String("outcome", out.outcome))
	}
	sess.Master.AccumulatedKnowledge = capKnowledge(sess.Master.AccumulatedKnowledge, m.cfg.knowledgeLimit)

	resp := &TurnResponse{
		Message:              m.message(sess, out),
		SessionID:            sess.ID,
		RequiresConfirmation: out.confirmation,
	}

	// 写回会话，必须在返回响应之前完成。
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.persistTimeout)
	defer cancelPersist()
	if err := m.persist(persistCtx, sess); err != nil {
		return nil, err
	}

	m.remember(persistCtx, sess, text, resp, out)
	metrics.ObserveTurn(out.outcome, out.iterations, time.Since(started))
	m.notify(persistCtx, events.Event{
		Type:      events.TurnCompleted,
		SessionID: sess.ID,
		UserID:    userID,
		Metadata: map[string]string{
			"outcome":    out.outcome,
			"iterations": fmt.Sprint(out.iterations),
		},
	})
	m.logger.Info("轮次处理完成",
		slog.String("session_id", sess.ID),
		slog.String("outcome", out.outcome),
		slog.Int("iterations", out.iterations),
		slog.Bool("requires_confirmation", out.confirmation))
	return resp, nil
}

func (m *Master) load(ctx context.Context, sessionID, userID string) (*session.Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	switch {
	case err == nil:
		if sess.UserID != userID {
			return nil, xerrors.New(xerrors.CodeSessionForbidden, "")
		}
		return sess, nil
	case xerrors.HasCode(err, xerrors.CodeNotFound):
		return session.New(sessionID, userID, m.cfg.now()), nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		m.storeFailure(ctx, sessionID, "get", err)
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(xerrors.CodeStoreUnavailable, err, "")
		}
		return nil, err
	}
}

func (m *Master) persist(ctx context.Context, sess *session.Session) error {
	sess.UpdatedAt = m.cfg.now().UTC()
	for _, state := range sess.SubAgents {
		if state != nil {
			state.Compact()
		}
	}
	if err := m.store.Put(ctx, sess.ID, sess, m.cfg.sessionTTL); err != nil {
		m.storeFailure(ctx, sess.ID, "put", err)
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(xerrors.CodeStoreUnavailable, err, "")
		}
		return err
	}
	return nil
}

func (m *Master) storeFailure(ctx context.Context, sessionID, op string, err error) {
	metrics.ObserveStoreFailure(op)
	m.logger.Error("会话存储不可用",
		slog.String("session_id", sessionID),
		slog.String("operation", op),
		slog.Any("error", err))
	m.notify(ctx, events.Event{
		Type:      events.StoreFailure,
		SessionID: sessionID,
		Metadata:  map[string]string{"operation": op, "error": err.Error()},
	})
}

// run 是主协调器循环。
func (m *Master) run(ctx context.Context, sess *session.Session, text, userID string) turnOutcome {
	out := turnOutcome{outcome: OutcomeComplete}
	master := &sess.Master
	master.PruneFinished()

	// 拆解用户输入，新命令排在遗留命令之前。
	decision, err := m.oracle.Decide(ctx, oracle.Request{
		Stage:                oracle.StageDecompose,
		SessionID:            sess.ID,
		UserID:               userID,
		UserText:             text,
		RecentHistory:        m.recentHistory(ctx, sess.ID),
		AccumulatedKnowledge: master.AccumulatedKnowledge,
		CommandList:          append([]session.Command(nil), master.CommandList...),
		Domains:              m.domains,
		AwaitingConfirmation: sess.AwaitingConfirmation(),
	})
	if err != nil {
		if ctx.Err() != nil {
			out.outcome = interruptedOutcome(ctx)
			return out
		}
		m.logger.Warn("拆解用户输入失败", slog.String("session_id", sess.ID), slog.Any("error", err))
		note := "Could not plan the request: " + capability.Reason(err) + "."
		m.appendKnowledge(sess, note)
		out.note(note)
		out.outcome = OutcomeOracleFailure
		return out
	}
	if decision == nil {
		decision = &oracle.Decision{}
	}
	fresh := make([]session.Command, 0, len(decision.Commands)+len(master.CommandList))
	for _, draft := range decision.Commands {
		if strings.TrimSpace(draft.Text) == "" {
			continue
		}
		fresh = append(fresh, session.Command{Domain: draft.Domain, Text: draft.Text, Status: session.CommandPending})
	}
	master.CommandList = append(fresh, master.CommandList...)
	master.Renumber()

	for out.iterations < m.cfg.maxIterations {
		idx := master.NextPending()
		if idx < 0 {
			return out
		}
		out.iterations++
		master.CommandList[idx].Status = session.CommandExecuting
		cmd := master.CommandList[idx]

		result, err := m.dispatch(ctx, sess, cmd, userID)
		if err != nil {
			master.CommandList[idx].Status = session.CommandFailed
			result = oracle.SubResult{Domain: cmd.Domain, Command: cmd.Text, Message: capability.Reason(err), Failed: true}
			if ctx.Err() != nil {
				m.appendKnowledge(sess, resultNote(result))
				out.note(resultNote(result))
				out.outcome = interruptedOutcome(ctx)
				return out
			}
		} else if result.Failed {
			master.CommandList[idx].Status = session.CommandFailed
		} else {
			// 等待确认的命令同样视为完成，答复会作为新命令到达。
			master.CommandList[idx].Status = session.CommandCompleted
		}
		out.lastMessage = result.Message
		out.note(resultNote(result))

		// 折叠结果并应用命令编辑。
		fold, err := m.oracle.Decide(ctx, oracle.Request{
			Stage:                oracle.StageFold,
			SessionID:            sess.ID,
			UserID:               userID,
			AccumulatedKnowledge: master.AccumulatedKnowledge,
			CommandList:          append([]session.Command(nil), master.CommandList...),
			LatestResult:         &result,
			Domains:              m.domains,
		})
		if err != nil || fold == nil {
			m.appendKnowledge(sess, resultNote(result))
			if ctx.Err() != nil {
				out.outcome = interruptedOutcome(ctx)
				return out
			}
			if err != nil {
				m.logger.Warn("折叠结果失败，改为直接追加", slog.String("session_id", sess.ID), slog.Any("error", err))
			}
			fold = &oracle.Decision{}
		} else if fold.AccumulatedKnowledge != nil {
			master.AccumulatedKnowledge = capKnowledge(*fold.AccumulatedKnowledge, m.cfg.knowledgeLimit)
			// 失败说明必须保留在累积知识中。
			if note := resultNote(result); result.Failed && !strings.Contains(master.AccumulatedKnowledge, note) {
				m.appendKnowledge(sess, note)
			}
		} else {
			m.appendKnowledge(sess, resultNote(result))
		}
		applyCommandEdits(master, fold.CommandEdits)

		if result.NeedsConfirmation || fold.NeedsConfirmation {
			out.outcome = OutcomeConfirmation
			out.confirmation = true
			out.prompt = firstNonEmpty(strings.TrimSpace(fold.ConfirmationPrompt), result.ConfirmationPrompt, result.Message)
			return out
		}
		if fold.IsComplete {
			return out
		}
	}

	if master.PendingCount() > 0 {
		out.outcome = OutcomeIterationCap
		m.logger.Info("主循环达到迭代上限",
			slog.String("session_id", sess.ID),
			slog.Int("iterations", out.iterations),
			slog.Int("pending", master.PendingCount()),
			slog.String("code", string(xerrors.CodeIterationBoundExceeded)))
	}
	return out
}

// dispatch 把命令交给对应领域的子协调器。
func (m *Master) dispatch(ctx context.Context, sess *session.Session, cmd session.Command, userID string) (oracle.SubResult, error) {
	sub, ok := m.subs[cmd.Domain]
	if !ok {
		return oracle.SubResult{}, xerrors.New(xerrors.CodeUnknownDomain, fmt.Sprintf("no coordinator for domain %q", cmd.Domain))
	}
	resp, err := sub.ExecuteCommand(ctx, sess, cmd.Text, userID)
	if err != nil {
		m.logger.Warn("子协调器执行失败",
			slog.String("session_id", sess.ID),
			slog.String("domain", cmd.Domain),
			slog.Any("error", err))
		return oracle.SubResult{}, err
	}
	return oracle.SubResult{
		Domain:             cmd.Domain,
		Command:            cmd.Text,
		Message:            resp.Message,
		NeedsConfirmation:  resp.NeedsConfirmation,
		ConfirmationPrompt: resp.ConfirmationPrompt,
		Failed:             resp.Failed,
	}, nil
}

func (m *Master) recentHistory(ctx context.Context, sessionID string) []oracle.HistoryEntry {
	if m.cfg.history == nil || m.cfg.historyDepth <= 0 {
		return nil
	}
	entries, err := m.cfg.history.ListLatest(ctx, sessionID, m.cfg.historyDepth)
	if err != nil {
		m.logger.Warn("读取对话历史失败", slog.String("session_id", sessionID), slog.Any("error", err))
		return nil
	}
	out := make([]oracle.HistoryEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, oracle.HistoryEntry{UserText: entry.UserText, Reply: entry.Reply, CreatedAt: entry.CreatedAt})
	}
	return out
}

func (m *Master) remember(ctx context.Context, sess *session.Session, text string, resp *TurnResponse, out turnOutcome) {
	if m.cfg.history == nil {
		return
	}
	err := m.cfg.history.Save(ctx, history.Entry{
		SessionID:            sess.ID,
		UserID:               sess.UserID,
		UserText:             text,
		Reply:                resp.Message,
		RequiresConfirmation: resp.RequiresConfirmation,
		Iterations:           out.iterations,
		CreatedAt:            m.cfg.now().UTC(),
	})
	if err != nil {
		m.logger.Warn("保存对话历史失败", slog.String("session_id", sess.ID), slog.Any("error", err))
	}
}

func (m *Master) notify(ctx context.Context, event events.Event) {
	if m.cfg.events == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = m.cfg.now().UTC()
	}
	if err := m.cfg.events.Notify(ctx, event); err != nil {
		m.logger.Warn("事件投递失败", slog.String("type", string(event.Type)), slog.Any("error", err))
	}
}

func (m *Master) appendKnowledge(sess *session.Session, note string) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	current := sess.Master.AccumulatedKnowledge
	if strings.TrimSpace(current) != "" {
		note = current + "\n" + note
	}
	sess.Master.AccumulatedKnowledge = capKnowledge(note, m.cfg.knowledgeLimit)
}

// message 生成面向用户的回复：确认提示优先，其次是本轮结果说明。
func (m *Master) message(sess *session.Session, out turnOutcome) string {
	if out.confirmation && strings.TrimSpace(out.prompt) != "" {
		return out.prompt
	}

	msg := strings.Join(out.notes, "\n")
	if msg == "" {
		msg = strings.TrimSpace(out.lastMessage)
	}
	switch out.outcome {
	case OutcomeTimeout:
		msg = joinNote(msg, "The request timed out before it finished; partial progress was saved.")
	case OutcomeCancelled:
		msg = joinNote(msg, "The request was cancelled; partial progress was saved.")
	case OutcomeIterationCap:
		n := sess.Master.PendingCount()
		msg = joinNote(msg, fmt.Sprintf("%d %s still pending; send another message to continue.", n, plural(n, "step is", "steps are")))
	}
	if msg == "" {
		msg = "I could not find anything to do for that request."
	}
	return msg
}

func interruptedOutcome(ctx context.Context) string {
	if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	return OutcomeCancelled
}

func resultNote(result oracle.SubResult) string {
	if strings.TrimSpace(result.Message) == "" {
		return ""
	}
	if result.Failed {
		return fmt.Sprintf("[%s] failed: %s", result.Domain, result.Message)
	}
	return fmt.Sprintf("[%s] %s", result.Domain, result.Message)
}

func joinNote(msg, note string) string {
	if msg == "" {
		return note
	}
	return msg + "\n" + note
}
