package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"OpenMCP-Assistant/internal/capability"
	xerrors "OpenMCP-Assistant/internal/errors"
	"OpenMCP-Assistant/internal/events"
	"OpenMCP-Assistant/internal/observability/metrics"
	"OpenMCP-Assistant/internal/oracle"
	"OpenMCP-Assistant/internal/safety"
	"OpenMCP-Assistant/internal/session"
)

// failureLogLimit 是 working_data 中保留的失败记录条数。
const failureLogLimit = 50

const failuresKey = "_failures"

// execute 顺序执行工具调用，每一步之后交给决策函数重新评估。
func (r *invocation) execute(ctx context.Context) (SubAgentResponse, error) {
	for r.suspended == nil {
		if err := ctx.Err(); err != nil {
			r.settle(ctx)
			return SubAgentResponse{}, err
		}

		next := r.nextCall()
		if next < 0 {
			break
		}
		if r.steps >= r.sub.cfg.maxIterations {
			r.boundHit = true
			break
		}
		r.steps++

		result, err := r.step(ctx, next)
		if err != nil {
			r.settle(ctx)
			return SubAgentResponse{}, err
		}
		if r.suspended != nil {
			break
		}

		decision, err := r.decide(ctx, oracle.StageReassess, result)
		if err != nil {
			if ctx.Err() != nil {
				r.settle(ctx)
				return SubAgentResponse{}, ctx.Err()
			}
			r.plannerErr = err
			r.sub.logger.Warn("重新评估失败，停止工具循环",
				slog.String("session_id", r.sess.ID),
				slog.Int("step", r.steps),
				slog.Any("error", err))
			break
		}
		r.applyDecision(ctx, decision)
	}

	if r.suspended != nil {
		return *r.suspended, nil
	}
	return r.finish(ctx), nil
}

func (r *invocation) nextCall() int {
	for i := range r.state.ToolCallList {
		if !r.state.ToolCallList[i].Consumed {
			return i
		}
	}
	return -1
}

// step 执行一步：一次读调用，或同一写操作的一批已确认调用。返回 nil 结果表示已挂起等待确认。
func (r *invocation) step(ctx context.Context, idx int) (*oracle.ToolResult, error) {
	call := r.state.ToolCallList[idx]
	op, err := r.sub.dispatcher.Registry().Operation(r.sub.domain, call.Name)
	if err != nil {
		r.state.ToolCallList[idx].Consumed = true
		reason := capability.Reason(err)
		r.fail(call.Name, "", reason)
		return &oracle.ToolResult{Name: call.Name, Parameters: cloneMap(call.Parameters), Error: reason}, nil
	}

	if op.IsWrite() && !call.Confirmed {
		batch := r.collectBatch(idx, op)
		if r.gate(ctx, op, batch) {
			return nil, nil
		}
		for _, i := range batch {
			r.state.ToolCallList[i].Confirmed = true
		}
	}

	if op.IsWrite() {
		return r.runWriteBatch(ctx, idx, op)
	}
	return r.runRead(ctx, idx, op)
}

// collectBatch 收集同一写操作的全部未确认调用。没有条目参数的操作不合并。
func (r *invocation) collectBatch(idx int, op capability.Operation) []int {
	if op.ItemParam == "" {
		return []int{idx}
	}
	batch := []int{}
	for i := idx; i < len(r.state.ToolCallList); i++ {
		call := r.state.ToolCallList[i]
		if !call.Consumed && !call.Confirmed && call.Name == op.Name {
			batch = append(batch, i)
		}
	}
	return batch
}

// gate 在写操作派发前评估风险，需要确认时挂起并返回 true。
func (r *invocation) gate(ctx context.Context, op capability.Operation, batch []int) bool {
	ids := make([]string, 0, len(batch))
	for _, i := range batch {
		ids = append(ids, itemID(r.state.ToolCallList[i], op))
	}
	params := sharedParams(r.state.ToolCallList[batch[0]].Parameters, op.ItemParam)

	assessment := r.sub.cfg.policy.Assess(safety.ActionDescriptor{
		Kind:               op.ActionName(),
		Reversible:         op.Reversible,
		AffectedItemIDs:    ids,
		ExternalRecipients: op.ExternalRecipients,
		AmbiguousScope:     r.ambiguous,
	})
	if !assessment.RequiresConfirmation && !r.forceConfirm {
		return false
	}

	for _, i := range batch {
		r.state.ToolCallList[i].Consumed = true
	}
	r.suspend(ctx, op, actionKind(op, len(ids)), ids, params, assessment)
	return true
}

func (r *invocation) suspend(ctx context.Context, op capability.Operation, kind string, ids []string, params map[string]any, assessment safety.Assessment) {
	prompt := assessment.PreviewText + " Reply yes to proceed or no to cancel."
	if custom := strings.TrimSpace(r.confirmPrompt); custom != "" {
		prompt = custom + " " + assessment.PreviewText
	}

	r.state.PendingAction = &session.PendingAction{
		Kind:               kind,
		AffectedItemIDs:    append([]string(nil), ids...),
		RiskLevel:          string(assessment.RiskLevel),
		ConfirmationPrompt: prompt,
		CreatedAt:          r.sub.cfg.now().UTC(),
		Operation:          op.Name,
		ItemParam:          op.ItemParam,
		Parameters:         params,
	}
	r.forceConfirm = false
	r.settle(ctx)

	metrics.ObserveConfirmation(r.sub.domain, "requested")
	r.sub.notify(ctx, events.Event{
		Type:      events.ConfirmationRequested,
		SessionID: r.sess.ID,
		UserID:    r.userID,
		Domain:    r.sub.domain,
		Metadata: map[string]string{
			"kind":  kind,
			"items": fmt.Sprint(len(ids)),
			"risk":  string(assessment.RiskLevel),
		},
	})
	r.sub.logger.Info("写操作等待用户确认",
		slog.String("session_id", r.sess.ID),
		slog.String("operation", op.Name),
		slog.Int("items", len(ids)),
		slog.String("risk", string(assessment.RiskLevel)))

	message := prompt
	if report := r.report(); report != "" {
		message = report + " " + prompt
	}
	r.suspended = &SubAgentResponse{Message: message, NeedsConfirmation: true, ConfirmationPrompt: prompt}
}

func (r *invocation) runRead(ctx context.Context, idx int, op capability.Operation) (*oracle.ToolResult, error) {
	call := r.state.ToolCallList[idx]
	r.state.ToolCallList[idx].Consumed = true

	result, err := r.invoke(ctx, call)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reason := capability.Reason(err)
		r.fail(call.Name, "", reason)
		return &oracle.ToolResult{Name: call.Name, Parameters: cloneMap(call.Parameters), Error: reason, Retryable: capability.IsRetryable(err)}, nil
	}

	r.succeeded++
	normalized := cloneMap(result)
	r.state.WorkingData[op.Name] = normalized
	return &oracle.ToolResult{Name: call.Name, Parameters: cloneMap(call.Parameters), Result: normalized}, nil
}

// runWriteBatch 顺序执行从 idx 开始的连续已确认调用。
func (r *invocation) runWriteBatch(ctx context.Context, idx int, op capability.Operation) (*oracle.ToolResult, error) {
	batch := []int{}
	for i := idx; i < len(r.state.ToolCallList); i++ {
		call := r.state.ToolCallList[i]
		if call.Consumed {
			continue
		}
		if call.Name != op.Name || !call.Confirmed {
			break
		}
		batch = append(batch, i)
	}

	wb := &writeBatch{op: op, params: sharedParams(r.state.ToolCallList[idx].Parameters, op.ItemParam)}
	failed := map[string]any{}
	for _, i := range batch {
		call := r.state.ToolCallList[i]
		item := itemID(call, op)

		_, err := r.invoke(ctx, call)
		if err != nil && ctx.Err() != nil {
			// 未执行的调用保持未消费，随会话一起写回。
			r.mergeBatch(wb, failed)
			return nil, ctx.Err()
		}
		r.state.ToolCallList[i].Consumed = true
		r.writes++
		if err != nil {
			reason := capability.Reason(err)
			r.fail(call.Name, item, reason)
			failed[item] = reason
			continue
		}
		r.succeeded++
		wb.succeeded = append(wb.succeeded, item)
	}
	r.mergeBatch(wb, failed)

	return &oracle.ToolResult{
		Name:       op.Name,
		Parameters: cloneMap(wb.params),
		Result: map[string]any{
			"succeeded":    len(wb.succeeded),
			"failed":       len(failed),
			"failed_items": failed,
		},
	}, nil
}

func (r *invocation) mergeBatch(wb *writeBatch, failed map[string]any) {
	succeeded := make([]any, 0, len(wb.succeeded))
	for _, id := range wb.succeeded {
		succeeded = append(succeeded, id)
	}
	r.state.WorkingData[wb.op.Name] = map[string]any{
		"succeeded": succeeded,
		"failed":    failed,
	}
	r.lastWrite = wb
}

// invoke 校验参数后调用能力；可重试的失败自动重试一次。
func (r *invocation) invoke(ctx context.Context, call session.ToolCall) (capability.Result, error) {
	registry := r.sub.dispatcher.Registry()
	if err := registry.Validate(r.sub.domain, call.Name, call.Parameters); err != nil {
		return nil, err
	}

	result, err := r.sub.dispatcher.Invoke(ctx, r.sub.domain, call.Name, call.Parameters, r.userID)
	if err == nil || ctx.Err() != nil || !capability.IsRetryable(err) {
		return result, err
	}

	r.sub.logger.Info("能力调用可重试，自动重试一次",
		slog.String("session_id", r.sess.ID),
		slog.String("operation", call.Name),
		slog.String("reason", capability.Reason(err)))
	return r.sub.dispatcher.Invoke(ctx, r.sub.domain, call.Name, call.Parameters, r.userID)
}

func (r *invocation) fail(name, item, reason string) {
	r.failures = append(r.failures, itemFailure{item: firstNonEmpty(item, name), reason: reason})

	log, _ := r.state.WorkingData[failuresKey].([]any)
	log = append(log, map[string]any{"call": name, "item": item, "reason": reason})
	if len(log) > failureLogLimit {
		log = log[len(log)-failureLogLimit:]
	}
	r.state.WorkingData[failuresKey] = log
}

// applyDecision 应用解释或重新评估阶段的输出。返回 false 表示已挂起等待确认。
func (r *invocation) applyDecision(ctx context.Context, d *oracle.Decision) bool {
	for _, edit := range d.WorkingDataEdits {
		if edit.Key == "" {
			continue
		}
		switch edit.Op {
		case oracle.EditDelete, oracle.EditRemove:
			delete(r.state.WorkingData, edit.Key)
		default:
			value, err := session.Normalize(edit.Value)
			if err != nil {
				continue
			}
			r.state.WorkingData[edit.Key] = value
		}
	}
	r.applyToolCallEdits(d.ToolCallEdits)

	if msg := strings.TrimSpace(d.ResponseMessage); msg != "" {
		r.message = msg
	}
	if d.AmbiguousScope {
		r.ambiguous = true
	}
	if d.LastAction != nil {
		r.lastActionHint = d.LastAction
	}
	if !d.NeedsConfirmation {
		return true
	}

	r.confirmPrompt = d.ConfirmationPrompt
	if draft := d.PendingAction; draft != nil {
		op, err := r.sub.dispatcher.Registry().Operation(r.sub.domain, draft.Operation)
		if err == nil {
			if draft.ItemParam != "" {
				op.ItemParam = draft.ItemParam
			}
			if draft.ConfirmationPrompt != "" {
				r.confirmPrompt = draft.ConfirmationPrompt
			}
			for i := range r.state.ToolCallList {
				call := &r.state.ToolCallList[i]
				if !call.Consumed && !call.Confirmed && call.Name == op.Name {
					call.Consumed = true
				}
			}
			kind := firstNonEmpty(draft.Kind, actionKind(op, len(draft.AffectedItemIDs)))
			assessment := r.sub.cfg.policy.Assess(safety.ActionDescriptor{
				Kind:               op.ActionName(),
				Reversible:         op.Reversible,
				AffectedItemIDs:    draft.AffectedItemIDs,
				ExternalRecipients: op.ExternalRecipients,
				AmbiguousScope:     r.ambiguous,
			})
			r.suspend(ctx, op, kind, draft.AffectedItemIDs, cloneMap(draft.Parameters), assessment)
			return false
		}
		r.sub.logger.Warn("待确认操作引用了未知操作，改为拦截下一次写操作",
			slog.String("session_id", r.sess.ID),
			slog.String("operation", draft.Operation))
	}
	r.forceConfirm = true
	return true
}

func (r *invocation) applyToolCallEdits(edits []oracle.ToolCallEdit) {
	for _, edit := range edits {
		switch edit.Op {
		case oracle.EditAppend:
			r.enqueue(oracle.ToolCallDraft{Name: edit.Name, Parameters: edit.Parameters})
		case oracle.EditInsertNext:
			params, err := session.NormalizeMap(edit.Parameters)
			if err != nil {
				continue
			}
			call := session.ToolCall{Name: edit.Name, Parameters: params}
			at := r.nextCall()
			if at < 0 {
				at = len(r.state.ToolCallList)
			}
			list := append(r.state.ToolCallList[:at:at], call)
			r.state.ToolCallList = append(list, r.state.ToolCallList[at:]...)
		case oracle.EditRemove:
			for i := range r.state.ToolCallList {
				if !r.state.ToolCallList[i].Consumed && r.state.ToolCallList[i].Order == edit.Order {
					r.state.ToolCallList[i].Consumed = true
				}
			}
		case oracle.EditClear:
			r.dropQueued()
		}
	}
	for i := range r.state.ToolCallList {
		r.state.ToolCallList[i].Order = i + 1
	}
}

// undo 查询撤销账本并构造反向调用；过期时只返回提示，不派发任何调用。
func (r *invocation) undo(ctx context.Context) (SubAgentResponse, error) {
	action, err := r.sub.cfg.ledger.Lookup(ctx, r.sess.ID, r.sub.domain)
	if err != nil {
		if ctx.Err() != nil {
			return SubAgentResponse{}, ctx.Err()
		}
		r.sub.logger.Warn("查询撤销账本失败，使用会话内记录", slog.String("session_id", r.sess.ID), slog.Any("error", err))
		action = nil
	}
	if action == nil && r.state.LastAction != nil {
		copied := *r.state.LastAction
		action = &copied
	}
	if action == nil || !action.Reversible || action.ReverseOperation == "" {
		metrics.ObserveUndo(r.sub.domain, "none")
		return SubAgentResponse{Message: "There is no recent action to undo."}, nil
	}

	n := len(action.AffectedItemIDs)
	if action.Expired(r.sub.cfg.now()) {
		metrics.ObserveUndo(r.sub.domain, "expired")
		r.sub.notify(ctx, events.Event{
			Type:      events.UndoExpired,
			SessionID: r.sess.ID,
			UserID:    r.userID,
			Domain:    r.sub.domain,
			Metadata: map[string]string{
				"kind":     action.Kind,
				"deadline": action.UndoDeadline.UTC().Format(time.RFC3339),
				"code":     string(xerrors.CodeUndoExpired),
			},
		})
		return SubAgentResponse{
			Message: fmt.Sprintf("The undo window expired at %s: the %s of %d %s can no longer be reverted.",
				action.UndoDeadline.UTC().Format("15:04 MST"), action.Kind, n, plural(n, "item", "items")),
		}, nil
	}

	r.undoing = action
	r.state.ToolCallList = r.state.ToolCallList[:0]
	r.materialize(&session.PendingAction{
		Operation:       action.ReverseOperation,
		ItemParam:       action.ItemParam,
		Parameters:      action.Parameters,
		AffectedItemIDs: action.AffectedItemIDs,
	})
	return r.execute(ctx)
}

// settle 在调用结束（包括挂起与取消）时落定撤销记录。
func (r *invocation) settle(ctx context.Context) {
	if r.undoing != nil {
		action := r.undoing
		r.undoing = nil
		if r.succeeded == 0 {
			metrics.ObserveUndo(r.sub.domain, "failed")
			return
		}
		if err := r.sub.cfg.ledger.Invalidate(context.WithoutCancel(ctx), r.sess.ID, r.sub.domain); err != nil {
			r.sub.logger.Warn("作废撤销记录失败", slog.String("session_id", r.sess.ID), slog.Any("error", err))
		}
		r.state.LastAction = nil
		r.lastWrite = nil
		metrics.ObserveUndo(r.sub.domain, "executed")
		r.sub.notify(ctx, events.Event{
			Type:      events.UndoExecuted,
			SessionID: r.sess.ID,
			UserID:    r.userID,
			Domain:    r.sub.domain,
			Metadata:  map[string]string{"kind": action.Kind, "items": fmt.Sprint(r.succeeded)},
		})
		r.undone = action
		return
	}

	wb := r.lastWrite
	r.lastWrite = nil
	if wb == nil || len(wb.succeeded) == 0 || !wb.op.Reversible || wb.op.Reverse == "" {
		return
	}

	kind := actionKind(wb.op, len(wb.succeeded))
	ids := append([]string(nil), wb.succeeded...)
	if hint := r.lastActionHint; hint != nil {
		kind = firstNonEmpty(hint.Kind, kind)
		if len(hint.AffectedItemIDs) > 0 {
			ids = append([]string(nil), hint.AffectedItemIDs...)
		}
	}

	now := r.sub.cfg.now().UTC()
	action := session.LastAction{
		Kind:             kind,
		AffectedItemIDs:  ids,
		ExecutedAt:       now,
		Reversible:       true,
		UndoDeadline:     now.Add(r.sub.cfg.undoWindow),
		Operation:        wb.op.Name,
		ReverseOperation: wb.op.Reverse,
		ItemParam:        wb.op.ItemParam,
		Parameters:       cloneMap(wb.params),
	}
	r.state.LastAction = &action

	if err := r.sub.cfg.ledger.Record(context.WithoutCancel(ctx), r.sess.ID, r.sub.domain, action); err != nil {
		metrics.ObserveStoreFailure("ledger_record")
		r.sub.logger.Warn("写入撤销账本失败", slog.String("session_id", r.sess.ID), slog.Any("error", err))
	}
	metrics.ObserveUndo(r.sub.domain, "recorded")
	r.sub.notify(ctx, events.Event{
		Type:      events.UndoRecorded,
		SessionID: r.sess.ID,
		UserID:    r.userID,
		Domain:    r.sub.domain,
		Metadata: map[string]string{
			"kind":     kind,
			"items":    fmt.Sprint(len(ids)),
			"deadline": action.UndoDeadline.Format(time.RFC3339),
		},
	})
}

// finish 汇总本次调用的结果消息。
func (r *invocation) finish(ctx context.Context) SubAgentResponse {
	r.settle(ctx)

	var parts []string
	if msg := strings.TrimSpace(r.message); msg != "" {
		parts = append(parts, msg)
	} else if r.undone != nil {
		parts = append(parts, r.defaultMessage())
	}
	if report := r.report(); report != "" {
		parts = append(parts, report)
	}
	if r.boundHit {
		remaining := len(pendingCalls(r.state))
		r.sub.logger.Info("工具循环达到迭代上限",
			slog.String("session_id", r.sess.ID),
			slog.Int("steps", r.steps),
			slog.Int("remaining", remaining),
			slog.String("code", string(xerrors.CodeIterationBoundExceeded)))
		parts = append(parts, fmt.Sprintf("Stopped after %d steps with %d tool %s still queued.", r.steps, remaining, plural(remaining, "call", "calls")))
	}
	if r.plannerErr != nil {
		parts = append(parts, "Planning was interrupted: "+capability.Reason(r.plannerErr)+".")
	}
	if len(parts) == 0 {
		parts = append(parts, r.defaultMessage())
	}

	resp := SubAgentResponse{Message: strings.Join(parts, " ")}
	resp.Failed = r.succeeded == 0 && (len(r.failures) > 0 || r.plannerErr != nil)
	if r.forceConfirm {
		resp.NeedsConfirmation = true
		resp.ConfirmationPrompt = firstNonEmpty(strings.TrimSpace(r.confirmPrompt), resp.Message)
	}
	return resp
}

// report 输出批量执行的成功与失败计数，以及有限数量的失败原因。
func (r *invocation) report() string {
	if r.writes <= 1 && len(r.failures) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d succeeded, %d failed.", r.succeeded, len(r.failures))
	if len(r.failures) == 0 {
		return b.String()
	}

	sample := r.sub.cfg.policy.SampleSize()
	if sample > len(r.failures) {
		sample = len(r.failures)
	}
	items := make([]string, 0, sample)
	for _, f := range r.failures[:sample] {
		items = append(items, fmt.Sprintf("%s (%s)", f.item, f.reason))
	}
	b.WriteString(" Failures: ")
	b.WriteString(strings.Join(items, ", "))
	if rest := len(r.failures) - sample; rest > 0 {
		fmt.Fprintf(&b, " (+%d more)", rest)
	}
	b.WriteString(".")
	return b.String()
}

func (r *invocation) defaultMessage() string {
	if action := r.undone; action != nil {
		return fmt.Sprintf("Undid the %s of %d %s.", action.Kind, r.succeeded, plural(r.succeeded, "item", "items"))
	}
	if r.succeeded > 0 {
		return fmt.Sprintf("Completed %d %s.", r.succeeded, plural(r.succeeded, "step", "steps"))
	}
	return "No action was needed."
}

func actionKind(op capability.Operation, n int) string {
	if n > 1 {
		return "bulk_" + op.ActionName()
	}
	return op.ActionName()
}

func itemID(call session.ToolCall, op capability.Operation) string {
	if op.ItemParam != "" {
		if v, ok := call.Parameters[op.ItemParam]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return fmt.Sprintf("%s#%d", call.Name, call.Order)
}

func sharedParams(params map[string]any, itemParam string) map[string]any {
	out := cloneMap(params)
	if itemParam != "" {
		delete(out, itemParam)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
