package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"OpenMCP-Assistant/internal/capability"
	xerrors "OpenMCP-Assistant/internal/errors"
	"OpenMCP-Assistant/internal/events"
	"OpenMCP-Assistant/internal/observability/metrics"
	"OpenMCP-Assistant/internal/oracle"
	"OpenMCP-Assistant/internal/session"
	"OpenMCP-Assistant/pkg/logger"
)

// SubAgentResponse 是子协调器返回给主协调器的结果，只包含自然语言。
type SubAgentResponse struct {
	Message            string `json:"message"`
	NeedsConfirmation  bool   `json:"needs_confirmation"`
	ConfirmationPrompt string `json:"confirmation_prompt,omitempty"`
	// Failed 表示命令整体失败，主协调器据此把命令标记为 failed。
	Failed bool `json:"failed"`
}

// SubCoordinator 负责单个领域的工具调用循环。
type SubCoordinator struct {
	domain     string
	oracle     oracle.Oracle
	dispatcher *capability.Dispatcher
	cfg        settings
	logger     *slog.Logger
}

// NewSubCoordinator 创建领域子协调器。
func NewSubCoordinator(domain string, decider oracle.Oracle, dispatcher *capability.Dispatcher, opts ...Option) *SubCoordinator {
	return newSubCoordinator(domain, decider, dispatcher, buildSettings(opts))
}

func newSubCoordinator(domain string, decider oracle.Oracle, dispatcher *capability.Dispatcher, cfg settings) *SubCoordinator {
	log := cfg.logger
	if log == nil {
		log = logger.Named("subcoordinator")
	}
	return &SubCoordinator{
		domain:     domain,
		oracle:     decider,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     log.With(slog.String("domain", domain)),
	}
}

// Domain 返回子协调器负责的领域。
func (s *SubCoordinator) Domain() string {
	return s.domain
}

// ExecuteCommand 在签出的会话上执行一条命令。工具级错误不会返回给调用方，
// 只有决策函数失败或上下文结束时才返回 error。
func (s *SubCoordinator) ExecuteCommand(ctx context.Context, sess *session.Session, commandText, userID string) (SubAgentResponse, error) {
	if sess == nil {
		return SubAgentResponse{}, xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}

	// 加载或初始化本领域状态。
	run := &invocation{
		sub:    s,
		sess:   sess,
		state:  sess.SubAgent(s.domain),
		userID: userID,
		text:   strings.TrimSpace(commandText),
	}
	defer run.state.Compact()

	// 存在待确认操作时，先判断本条命令是否是对它的答复。
	if run.state.PendingAction != nil {
		resumed, resp, err := run.resolvePending(ctx)
		if err != nil {
			return SubAgentResponse{}, err
		}
		if resp != nil {
			return *resp, nil
		}
		if resumed {
			return run.execute(ctx)
		}
	}

	// 解释命令，生成初始工具调用列表。
	decision, err := run.decide(ctx, oracle.StageInterpret, nil)
	if err != nil {
		return SubAgentResponse{}, err
	}
	if decision.Undo {
		return run.undo(ctx)
	}

	run.state.ToolCallList = run.state.ToolCallList[:0]
	for _, draft := range decision.ToolCalls {
		run.enqueue(draft)
	}
	if !run.applyDecision(ctx, decision) {
		return *run.suspended, nil
	}
	return run.execute(ctx)
}

// invocation 保存一次 ExecuteCommand 调用内的临时状态。
type invocation struct {
	sub    *SubCoordinator
	sess   *session.Session
	state  *session.SubAgentState
	userID string
	text   string

	steps          int
	boundHit       bool
	ambiguous      bool
	forceConfirm   bool
	confirmPrompt  string
	message        string
	lastActionHint *oracle.LastActionDraft
	plannerErr     error

	succeeded int
	failures  []itemFailure
	writes    int
	lastWrite *writeBatch
	undoing   *session.LastAction
	undone    *session.LastAction

	suspended *SubAgentResponse
}

type itemFailure struct {
	item   string
	reason string
}

type writeBatch struct {
	op        capability.Operation
	succeeded []string
	params    map[string]any
}

func (r *invocation) decide(ctx context.Context, stage oracle.Stage, last *oracle.ToolResult) (*oracle.Decision, error) {
	req := oracle.Request{
		Stage:          stage,
		SessionID:      r.sess.ID,
		UserID:         r.userID,
		Domain:         r.sub.domain,
		CommandText:    r.text,
		WorkingData:    cloneMap(r.state.WorkingData),
		ToolCallList:   pendingCalls(r.state),
		LastToolResult: last,
		PendingAction:  r.state.PendingAction,
		LastAction:     r.state.LastAction,
		Operations:     r.sub.dispatcher.Registry().Operations(r.sub.domain),
	}
	decision, err := r.sub.oracle.Decide(ctx, req)
	if err != nil {
		return nil, oracleError(ctx, err, stage)
	}
	if decision == nil {
		decision = &oracle.Decision{}
	}
	return decision, nil
}

// resolvePending 处理待确认操作。返回 resumed=true 表示已物化为工具调用，
// 返回 resp 表示本次调用到此结束。两者皆空时按新命令解释。
func (r *invocation) resolvePending(ctx context.Context) (bool, *SubAgentResponse, error) {
	pending := r.state.PendingAction
	decision, err := r.decide(ctx, oracle.StageClassifyReply, nil)
	if err != nil {
		return false, nil, err
	}

	switch decision.Reply {
	case oracle.ReplyAffirmative:
		r.materialize(pending)
		r.state.PendingAction = nil
		r.resolved(ctx, pending, "granted")
		return true, nil, nil
	case oracle.ReplyNegative:
		r.state.PendingAction = nil
		r.dropQueued()
		r.resolved(ctx, pending, "denied")
		return false, &SubAgentResponse{
			Message: fmt.Sprintf("Cancelled %s of %d %s. Nothing was changed.", pending.Kind, len(pending.AffectedItemIDs), plural(len(pending.AffectedItemIDs), "item", "items")),
		}, nil
	default:
		// 一次无法匹配的答复即丢弃待确认操作，避免会话被无限阻塞。
		r.state.PendingAction = nil
		r.resolved(ctx, pending, "discarded")
		r.sub.logger.Info("答复未匹配待确认操作，已丢弃",
			slog.String("session_id", r.sess.ID),
			slog.String("kind", pending.Kind),
			slog.String("code", string(xerrors.CodeConfirmationMismatch)))
		return false, nil, nil
	}
}

func (r *invocation) resolved(ctx context.Context, pending *session.PendingAction, outcome string) {
	metrics.ObserveConfirmation(r.sub.domain, outcome)
	r.sub.notify(ctx, events.Event{
		Type:      events.ConfirmationResolved,
		SessionID: r.sess.ID,
		UserID:    r.userID,
		Domain:    r.sub.domain,
		Metadata: map[string]string{
			"outcome": outcome,
			"kind":    pending.Kind,
			"items":   fmt.Sprint(len(pending.AffectedItemIDs)),
		},
	})
}

// materialize 把已确认的操作展开为逐条目的工具调用，放在队首。
func (r *invocation) materialize(pending *session.PendingAction) {
	calls := make([]session.ToolCall, 0, len(pending.AffectedItemIDs)+len(r.state.ToolCallList))
	if pending.ItemParam == "" {
		calls = append(calls, session.ToolCall{Name: pending.Operation, Parameters: cloneMap(pending.Parameters), Confirmed: true})
	} else {
		for _, id := range pending.AffectedItemIDs {
			params := cloneMap(pending.Parameters)
			params[pending.ItemParam] = id
			calls = append(calls, session.ToolCall{Name: pending.Operation, Parameters: params, Confirmed: true})
		}
	}
	for _, call := range r.state.ToolCallList {
		if !call.Consumed {
			calls = append(calls, call)
		}
	}
	for i := range calls {
		calls[i].Order = i + 1
	}
	r.state.ToolCallList = calls
}

func (r *invocation) dropQueued() {
	for i := range r.state.ToolCallList {
		r.state.ToolCallList[i].Consumed = true
	}
}

func (r *invocation) enqueue(draft oracle.ToolCallDraft) {
	params, err := session.NormalizeMap(draft.Parameters)
	if err != nil {
		params = map[string]any{}
	}
	r.state.ToolCallList = append(r.state.ToolCallList, session.ToolCall{
		Name:       draft.Name,
		Parameters: params,
		Order:      len(r.state.ToolCallList) + 1,
	})
}

func (s *SubCoordinator) notify(ctx context.Context, event events.Event) {
	if s.cfg.events == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.cfg.now().UTC()
	}
	if err := s.cfg.events.Notify(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("事件投递失败", slog.String("type", string(event.Type)), slog.Any("error", err))
	}
}

func oracleError(ctx context.Context, err error, stage oracle.Stage) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("oracle %s stage timed out", stage))
	}
	return xerrors.Wrap(xerrors.CodeOracleFailure, err, fmt.Sprintf("oracle %s stage failed", stage))
}

func pendingCalls(state *session.SubAgentState) []session.ToolCall {
	idx := state.Pending()
	out := make([]session.ToolCall, 0, len(idx))
	for _, i := range idx {
		call := state.ToolCallList[i]
		call.Parameters = cloneMap(call.Parameters)
		out = append(out, call)
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out, err := session.NormalizeMap(in)
	if err != nil {
		out = make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
	}
	return out
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
