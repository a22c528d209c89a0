package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// CommandStatus 表示命令在主协调器中的生命周期。
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// Command 是分派给某个领域子协调器的自然语言工作单元。
type Command struct {
	Domain string        `json:"domain"`
	Text   string        `json:"text"`
	Order  int           `json:"order"`
	Status CommandStatus `json:"status"`
}

// MasterState 是主协调器跨轮次保存的状态。
type MasterState struct {
	CommandList          []Command `json:"command_list"`
	AccumulatedKnowledge string    `json:"accumulated_knowledge"`
}

// ToolCall 是一次结构化的能力调用。
type ToolCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Order      int            `json:"order"`
	Consumed   bool           `json:"consumed"`
	// Confirmed 表示该写操作已经经过用户确认或属于撤销回放。
	Confirmed bool `json:"confirmed"`
}

// PendingAction 是等待用户确认的写操作。
type PendingAction struct {
	Kind               string         `json:"kind"`
	AffectedItemIDs    []string       `json:"affected_item_ids"`
	RiskLevel          string         `json:"risk_level"`
	ConfirmationPrompt string         `json:"confirmation_prompt"`
	CreatedAt          time.Time      `json:"created_at"`
	Operation          string         `json:"operation"`
	ItemParam          string         `json:"item_param"`
	Parameters         map[string]any `json:"parameters"`
}

// LastAction 记录最近一次可撤销的写操作。
type LastAction struct {
	Kind             string         `json:"kind"`
	AffectedItemIDs  []string       `json:"affected_item_ids"`
	ExecutedAt       time.Time      `json:"executed_at"`
	Reversible       bool           `json:"reversible"`
	UndoDeadline     time.Time      `json:"undo_deadline"`
	Operation        string         `json:"operation"`
	ReverseOperation string         `json:"reverse_operation"`
	ItemParam        string         `json:"item_param"`
	Parameters       map[string]any `json:"parameters"`
}

// Expired 判断撤销窗口是否已经关闭。
func (l *LastAction) Expired(now time.Time) bool {
	return !now.Before(l.UndoDeadline)
}

// SubAgentState 是单个领域的私有状态。WorkingData 只在子协调器内部读写。
type SubAgentState struct {
	WorkingData   map[string]any `json:"working_data"`
	ToolCallList  []ToolCall     `json:"tool_call_list"`
	PendingAction *PendingAction `json:"pending_action"`
	LastAction    *LastAction    `json:"last_action"`
}

// Session 是一次对话的完整编排状态。
type Session struct {
	ID        string                    `json:"session_id"`
	UserID    string                    `json:"user_id"`
	Master    MasterState               `json:"master"`
	SubAgents map[string]*SubAgentState `json:"sub_agents"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// New 创建一个空会话。
func New(id, userID string, now time.Time) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		Master:    MasterState{CommandList: []Command{}},
		SubAgents: map[string]*SubAgentState{},
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// SubAgent 返回领域状态，不存在时初始化。
func (s *Session) SubAgent(domain string) *SubAgentState {
	if s.SubAgents == nil {
		s.SubAgents = map[string]*SubAgentState{}
	}
	state, ok := s.SubAgents[domain]
	if !ok || state == nil {
		state = &SubAgentState{WorkingData: map[string]any{}, ToolCallList: []ToolCall{}}
		s.SubAgents[domain] = state
	}
	if state.WorkingData == nil {
		state.WorkingData = map[string]any{}
	}
	return state
}

// AwaitingConfirmation 返回存在待确认操作的领域及其提示，按领域名排序。
func (s *Session) AwaitingConfirmation() map[string]string {
	out := map[string]string{}
	for domain, state := range s.SubAgents {
		if state != nil && state.PendingAction != nil {
			out[domain] = state.PendingAction.ConfirmationPrompt
		}
	}
	return out
}

// Clone 通过序列化得到深拷贝。
func (s *Session) Clone() (*Session, error) {
	payload, err := Encode(s)
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}

// Encode 将会话序列化为持久化格式。
func Encode(s *Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("session is nil")
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return payload, nil
}

// Decode 解析持久化格式。
func Decode(payload []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// Normalize 把任意值转换为 JSON 解码后的形态，保证持久化往返后深度相等。
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeMap 对参数表做同样的归一化。
func NormalizeMap(in map[string]any) (map[string]any, error) {
	if in == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NextPending 返回按顺序第一个 pending 命令的下标，没有时返回 -1。
func (m *MasterState) NextPending() int {
	m.sortByOrder()
	for i := range m.CommandList {
		if m.CommandList[i].Status == CommandPending {
			return i
		}
	}
	return -1
}

// PendingCount 统计尚未执行的命令。
func (m *MasterState) PendingCount() int {
	count := 0
	for _, cmd := range m.CommandList {
		if cmd.Status == CommandPending {
			count++
		}
	}
	return count
}

// PruneFinished 移除已完成或失败的命令，保留顺序。
func (m *MasterState) PruneFinished() {
	kept := m.CommandList[:0]
	for _, cmd := range m.CommandList {
		if cmd.Status == CommandPending || cmd.Status == CommandExecuting {
			kept = append(kept, cmd)
		}
	}
	m.CommandList = kept
	m.Renumber()
}

// FailExecuting 把仍处于执行中的命令标记为失败，返回受影响数量。
func (m *MasterState) FailExecuting() int {
	n := 0
	for i := range m.CommandList {
		if m.CommandList[i].Status == CommandExecuting {
			m.CommandList[i].Status = CommandFailed
			n++
		}
	}
	return n
}

// Renumber 按当前切片顺序重新分配 order。
func (m *MasterState) Renumber() {
	for i := range m.CommandList {
		m.CommandList[i].Order = i + 1
	}
}

func (m *MasterState) sortByOrder() {
	sort.SliceStable(m.CommandList, func(i, j int) bool {
		return m.CommandList[i].Order < m.CommandList[j].Order
	})
}

// Pending 返回尚未消费的工具调用。
func (s *SubAgentState) Pending() []int {
	var idx []int
	for i := range s.ToolCallList {
		if !s.ToolCallList[i].Consumed {
			idx = append(idx, i)
		}
	}
	return idx
}

// Compact 丢弃已消费的工具调用并重新编号。
func (s *SubAgentState) Compact() {
	kept := make([]ToolCall, 0, len(s.ToolCallList))
	for _, call := range s.ToolCallList {
		if !call.Consumed {
			call.Order = len(kept) + 1
			kept = append(kept, call)
		}
	}
	s.ToolCallList = kept
}
