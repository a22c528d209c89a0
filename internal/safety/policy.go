// Package safety decides whether a write needs user confirmation before it is
// dispatched and renders the preview shown to the user.
package safety

import (
	"fmt"
	"strings"
)

// RiskLevel 描述写操作的风险等级。
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

const (
	defaultThreshold  = 1
	defaultSampleSize = 5
)

// ActionDescriptor 是评估所需的确定性输入。
type ActionDescriptor struct {
	Kind               string
	Reversible         bool
	AffectedItemIDs    []string
	ExternalRecipients bool
	// AmbiguousScope 表示目标集合来自“全部”这类不受限的自然语言范围。
	AmbiguousScope bool
}

// Assessment 是评估结果。
type Assessment struct {
	RequiresConfirmation bool
	RiskLevel            RiskLevel
	PreviewText          string
}

// Policy 是确认策略。零值不可用，请使用 NewPolicy。
type Policy struct {
	threshold  int
	sampleSize int
}

// Option 定义可选配置。
type Option func(*Policy)

// WithThreshold 设置可逆操作无需确认的最大条目数。
func WithThreshold(n int) Option {
	return func(p *Policy) {
		if n >= 0 {
			p.threshold = n
		}
	}
}

// WithSampleSize 设置预览中展示的条目 ID 数量。
func WithSampleSize(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.sampleSize = n
		}
	}
}

// NewPolicy 创建 Policy。
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{threshold: defaultThreshold, sampleSize: defaultSampleSize}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// SampleSize 返回预览样本大小。
func (p *Policy) SampleSize() int {
	return p.sampleSize
}

// Assess 评估一次写操作。
func (p *Policy) Assess(desc ActionDescriptor) Assessment {
	count := len(desc.AffectedItemIDs)
	result := Assessment{RiskLevel: RiskLow}

	switch {
	case !desc.Reversible:
		result.RequiresConfirmation = true
		result.RiskLevel = RiskHigh
	case desc.ExternalRecipients:
		result.RequiresConfirmation = true
		result.RiskLevel = RiskHigh
	case count > p.threshold || desc.AmbiguousScope:
		result.RequiresConfirmation = true
		result.RiskLevel = RiskMedium
	}

	result.PreviewText = p.preview(desc)
	return result
}

func (p *Policy) preview(desc ActionDescriptor) string {
	count := len(desc.AffectedItemIDs)
	noun := "items"
	if count == 1 {
		noun = "item"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d %s found", count, noun)
	if sample := Sample(desc.AffectedItemIDs, p.sampleSize); sample != "" {
		b.WriteString(": ")
		b.WriteString(sample)
	}
	b.WriteString(".")
	if desc.Kind != "" {
		fmt.Fprintf(&b, " Action: %s", desc.Kind)
		if desc.Reversible {
			b.WriteString(" (can be undone)")
		} else {
			b.WriteString(" (cannot be undone)")
		}
		b.WriteString(".")
	}
	if desc.ExternalRecipients {
		b.WriteString(" External recipients are involved.")
	}
	return b.String()
}

// Sample 返回最多 n 个 ID，超出部分以 (+N more) 表示。
func Sample(ids []string, n int) string {
	if len(ids) == 0 {
		return ""
	}
	if n <= 0 || n > len(ids) {
		n = len(ids)
	}
	out := strings.Join(ids[:n], ", ")
	if rest := len(ids) - n; rest > 0 {
		out += fmt.Sprintf(" (+%d more)", rest)
	}
	return out
}
