// Package ledger records the last reversible action per session and domain
// so that an undo command can be checked against its deadline.
package ledger

import (
	"context"
	"time"

	"OpenMCP-Assistant/internal/session"
)

// DefaultRetention 是撤销截止时间之后记录仍被保留的时长，用于回答“撤销窗口已过期”。
const DefaultRetention = time.Hour

// Ledger 是撤销账本。Lookup 在没有记录时返回 nil, nil。
type Ledger interface {
	Record(ctx context.Context, sessionID, domain string, action session.LastAction) error
	Lookup(ctx context.Context, sessionID, domain string) (*session.LastAction, error)
	Invalidate(ctx context.Context, sessionID, domain string) error
	Forget(ctx context.Context, sessionID string) error
}

func cloneAction(action session.LastAction) *session.LastAction {
	clone := action
	clone.AffectedItemIDs = append([]string(nil), action.AffectedItemIDs...)
	if action.Parameters != nil {
		clone.Parameters = make(map[string]any, len(action.Parameters))
		for k, v := range action.Parameters {
			clone.Parameters[k] = v
		}
	}
	return &clone
}
