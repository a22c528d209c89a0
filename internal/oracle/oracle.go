// Package oracle defines the contract of the external decision function that
// drives the coordinators. The core only builds bounded Requests and applies
// the structured Decisions it gets back.
package oracle

import (
	"context"
	"time"

	"OpenMCP-Assistant/internal/capability"
	"OpenMCP-Assistant/internal/session"
)

// Stage 标识一次决策所处的编排阶段。
type Stage string

const (
	// StageDecompose 把用户输入拆解为有序命令列表。
	StageDecompose Stage = "decompose"
	// StageFold 把子协调器结果折叠进累积知识并决定下一步。
	StageFold Stage = "fold"
	// StageInterpret 把命令解释为初始工具调用列表。
	StageInterpret Stage = "interpret"
	// StageReassess 在每次工具执行后重新评估。
	StageReassess Stage = "reassess"
	// StageClassifyReply 判断命令是否是对待确认操作的答复。
	StageClassifyReply Stage = "classify_reply"
)

// ReplyKind 是对待确认操作答复的分类。
type ReplyKind string

const (
	ReplyAffirmative ReplyKind = "affirmative"
	ReplyNegative    ReplyKind = "negative"
	ReplyUnrelated   ReplyKind = "unrelated"
	ReplyUnknown     ReplyKind = "unknown"
)

// HistoryEntry 是最近一轮对话的摘要。
type HistoryEntry struct {
	UserText  string    `json:"user_text"`
	Reply     string    `json:"reply"`
	CreatedAt time.Time `json:"created_at"`
}

// SubResult 是子协调器交给主协调器的自然语言结果。
type SubResult struct {
	Domain             string `json:"domain"`
	Command            string `json:"command"`
	Message            string `json:"message"`
	NeedsConfirmation  bool   `json:"needs_confirmation"`
	ConfirmationPrompt string `json:"confirmation_prompt,omitempty"`
	Failed             bool   `json:"failed"`
}

// ToolResult 是最近一次工具执行的结果。
type ToolResult struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Retryable  bool           `json:"retryable,omitempty"`
}

// Request 是提交给决策函数的有界上下文。不同阶段只填充各自需要的字段，
// 主协调器阶段永远不会携带 WorkingData。
type Request struct {
	Stage     Stage  `json:"stage"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`

	// 主协调器字段。
	UserText             string            `json:"user_text,omitempty"`
	RecentHistory        []HistoryEntry    `json:"recent_history,omitempty"`
	AccumulatedKnowledge string            `json:"accumulated_knowledge,omitempty"`
	CommandList          []session.Command `json:"command_list,omitempty"`
	LatestResult         *SubResult        `json:"latest_result,omitempty"`
	Domains              []string          `json:"domains,omitempty"`
	AwaitingConfirmation map[string]string `json:"awaiting_confirmation,omitempty"`

	// 子协调器字段。
	Domain         string                 `json:"domain,omitempty"`
	CommandText    string                 `json:"command_text,omitempty"`
	WorkingData    map[string]any         `json:"working_data,omitempty"`
	ToolCallList   []session.ToolCall     `json:"tool_call_list,omitempty"`
	LastToolResult *ToolResult            `json:"last_tool_result,omitempty"`
	PendingAction  *session.PendingAction `json:"pending_action,omitempty"`
	LastAction     *session.LastAction    `json:"last_action,omitempty"`
	Operations     []capability.Operation `json:"operations,omitempty"`
}

// CommandDraft 是拆解或编辑产生的新命令。
type CommandDraft struct {
	Domain string `json:"domain"`
	Text   string `json:"text"`
}

// EditOp 是列表编辑操作。
type EditOp string

const (
	EditAppend     EditOp = "append"
	EditInsertNext EditOp = "insert_next"
	EditRemove     EditOp = "remove"
	EditReorder    EditOp = "reorder"
	EditClear      EditOp = "clear"
	EditSet        EditOp = "set"
	EditDelete     EditOp = "delete"
)

// CommandEdit 编辑主协调器的命令列表，只作用于 pending 命令。
type CommandEdit struct {
	Op     EditOp `json:"op"`
	Domain string `json:"domain,omitempty"`
	Text   string `json:"text,omitempty"`
	// Order 指定 remove 的目标命令。
	Order int `json:"order,omitempty"`
	// Orders 是 reorder 之后 pending 命令的新顺序。
	Orders []int `json:"orders,omitempty"`
}

// ToolCallDraft 是待执行的工具调用。
type ToolCallDraft struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// ToolCallEdit 编辑子协调器的工具调用队列，只作用于未消费的调用。
type ToolCallEdit struct {
	Op         EditOp         `json:"op"`
	Name       string         `json:"name,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Order      int            `json:"order,omitempty"`
}

// WorkingDataEdit 编辑子协调器的私有工作数据。
type WorkingDataEdit struct {
	Op    EditOp `json:"op"`
	Key   string `json:"key"`
	Value any    `json:"value,omitempty"`
}

// TurnClassification 只用于本轮的下游策略，不会持久化。
type TurnClassification struct {
	Write       bool `json:"write"`
	CrossDomain bool `json:"cross_domain"`
}

// PendingActionDraft 是决策函数提出的待确认写操作。
type PendingActionDraft struct {
	Kind               string         `json:"kind"`
	Operation          string         `json:"operation"`
	AffectedItemIDs    []string       `json:"affected_item_ids"`
	ItemParam          string         `json:"item_param,omitempty"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	ConfirmationPrompt string         `json:"confirmation_prompt,omitempty"`
}

// LastActionDraft 覆盖默认推导出的撤销记录描述。
type LastActionDraft struct {
	Kind            string   `json:"kind"`
	AffectedItemIDs []string `json:"affected_item_ids,omitempty"`
}

// Decision 是决策函数的结构化输出，字段按阶段取用。
type Decision struct {
	// decompose
	Commands       []CommandDraft      `json:"commands,omitempty"`
	Classification *TurnClassification `json:"classification,omitempty"`

	// fold
	AccumulatedKnowledge *string       `json:"accumulated_knowledge,omitempty"`
	CommandEdits         []CommandEdit `json:"command_edits,omitempty"`
	IsComplete           bool          `json:"is_complete"`

	// fold / reassess
	NeedsConfirmation  bool   `json:"needs_confirmation"`
	ConfirmationPrompt string `json:"confirmation_prompt,omitempty"`

	// interpret / reassess
	ToolCalls        []ToolCallDraft     `json:"tool_calls,omitempty"`
	ToolCallEdits    []ToolCallEdit      `json:"tool_call_edits,omitempty"`
	WorkingDataEdits []WorkingDataEdit   `json:"working_data_edits,omitempty"`
	ResponseMessage  string              `json:"response_message,omitempty"`
	PendingAction    *PendingActionDraft `json:"pending_action,omitempty"`
	LastAction       *LastActionDraft    `json:"last_action,omitempty"`
	Undo             bool                `json:"undo,omitempty"`
	AmbiguousScope   bool                `json:"ambiguous_scope,omitempty"`

	// classify_reply
	Reply ReplyKind `json:"reply,omitempty"`
}

// Oracle 是外部决策函数。
type Oracle interface {
	Decide(ctx context.Context, req Request) (*Decision, error)
}

// Func 让普通函数实现 Oracle。
type Func func(ctx context.Context, req Request) (*Decision, error)

// Decide 实现 Oracle 接口。
func (f Func) Decide(ctx context.Context, req Request) (*Decision, error) {
	return f(ctx, req)
}

// Knowledge 返回指向字符串的指针，便于构造 fold 决策。
func Knowledge(text string) *string {
	return &text
}
