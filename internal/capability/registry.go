package capability

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	xerrors "OpenMCP-Assistant/internal/errors"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Kind 区分只读与写操作。
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
)

// Operation 声明一个领域操作的参数约束与安全属性。
type Operation struct {
	Name               string   `yaml:"-" json:"name"`
	Description        string   `yaml:"description" json:"description,omitempty"`
	Kind               Kind     `yaml:"kind" json:"kind"`
	Required           []string `yaml:"required" json:"required"`
	Reversible         bool     `yaml:"reversible" json:"reversible"`
	Reverse            string   `yaml:"reverse" json:"reverse,omitempty"`
	ItemParam          string   `yaml:"item_param" json:"item_param,omitempty"`
	Action             string   `yaml:"action" json:"action,omitempty"`
	ExternalRecipients bool     `yaml:"external_recipients" json:"external_recipients,omitempty"`
}

// IsWrite 判断是否为写操作。
func (o Operation) IsWrite() bool {
	return o.Kind == KindWrite
}

// ActionName 返回用于展示与撤销记录的动作名。
func (o Operation) ActionName() string {
	if o.Action != "" {
		return o.Action
	}
	return o.Name
}

// DomainDefinition 对应 capabilities.yaml 中的一个领域。
type DomainDefinition struct {
	BaseURL    string               `yaml:"base_url"`
	Timeout    time.Duration        `yaml:"timeout"`
	RateLimit  float64              `yaml:"rate_limit"`
	Burst      int                  `yaml:"burst"`
	Operations map[string]Operation `yaml:"operations"`
}

// Definitions 是能力定义文件的根结构。
type Definitions struct {
	Domains map[string]DomainDefinition `yaml:"domains"`
}

// LoadDefinitions 读取并解析 YAML 定义文件。
func LoadDefinitions(path string) (*Definitions, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取能力定义失败: %w", err)
	}
	return ParseDefinitions(content)
}

// ParseDefinitions 解析 YAML 定义内容。
func ParseDefinitions(content []byte) (*Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return nil, fmt.Errorf("解析能力定义失败: %w", err)
	}
	if len(defs.Domains) == 0 {
		return nil, fmt.Errorf("能力定义中没有任何领域")
	}
	return &defs, nil
}

// Domain 是注册表中的一个领域：操作集合、处理后端与限流参数。
type Domain struct {
	Name       string
	Operations []Operation
	Backend    Backend
	RateLimit  float64
	Burst      int
}

type domainEntry struct {
	name    string
	ops     map[string]Operation
	backend Backend
	limiter *rate.Limiter
}

// Registry 是构造后不可变的操作注册表。
type Registry struct {
	domains map[string]*domainEntry
}

// NewRegistry 校验并冻结领域集合。
func NewRegistry(domains ...Domain) (*Registry, error) {
	r := &Registry{domains: make(map[string]*domainEntry, len(domains))}
	for _, d := range domains {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, fmt.Errorf("领域名称不能为空")
		}
		if _, dup := r.domains[name]; dup {
			return nil, fmt.Errorf("领域 %s 重复注册", name)
		}
		if d.Backend == nil {
			return nil, fmt.Errorf("领域 %s 未配置处理后端", name)
		}
		entry := &domainEntry{name: name, ops: make(map[string]Operation, len(d.Operations)), backend: d.Backend}
		if d.RateLimit > 0 {
			burst := d.Burst
			if burst <= 0 {
				burst = 1
			}
			entry.limiter = rate.NewLimiter(rate.Limit(d.RateLimit), burst)
		}
		for _, op := range d.Operations {
			if op.Name == "" {
				return nil, fmt.Errorf("领域 %s 存在未命名操作", name)
			}
			if op.Kind == "" {
				op.Kind = KindRead
			}
			if op.Kind != KindRead && op.Kind != KindWrite {
				return nil, fmt.Errorf("操作 %s.%s 的类型 %q 无效", name, op.Name, op.Kind)
			}
			op.Required = append([]string(nil), op.Required...)
			entry.ops[op.Name] = op
		}
		for _, op := range entry.ops {
			if op.Reverse == "" {
				continue
			}
			if _, ok := entry.ops[op.Reverse]; !ok {
				return nil, fmt.Errorf("操作 %s.%s 的撤销操作 %s 未注册", name, op.Name, op.Reverse)
			}
		}
		r.domains[name] = entry
	}
	return r, nil
}

// BackendFactory 为定义文件中的领域创建处理后端。
type BackendFactory func(name string, def DomainDefinition) (Backend, error)

// FromDefinitions 根据定义文件构造注册表。
func FromDefinitions(defs *Definitions, factory BackendFactory) (*Registry, error) {
	if defs == nil {
		return nil, fmt.Errorf("能力定义为空")
	}
	domains := make([]Domain, 0, len(defs.Domains))
	for name, def := range defs.Domains {
		backend, err := factory(name, def)
		if err != nil {
			return nil, fmt.Errorf("初始化领域 %s 失败: %w", name, err)
		}
		ops := make([]Operation, 0, len(def.Operations))
		for opName, op := range def.Operations {
			op.Name = opName
			ops = append(ops, op)
		}
		domains = append(domains, Domain{Name: name, Operations: ops, Backend: backend, RateLimit: def.RateLimit, Burst: def.Burst})
	}
	return NewRegistry(domains...)
}

// Operation 查找操作声明。
func (r *Registry) Operation(domain, name string) (Operation, error) {
	entry, ok := r.domains[domain]
	if !ok {
		return Operation{}, xerrors.New(xerrors.CodeUnknownDomain, fmt.Sprintf("unknown domain %q", domain))
	}
	op, ok := entry.ops[name]
	if !ok {
		return Operation{}, xerrors.New(xerrors.CodeUnknownOperation, fmt.Sprintf("unknown operation %q in domain %q", name, domain))
	}
	return op, nil
}

// HasDomain 判断领域是否已注册。
func (r *Registry) HasDomain(domain string) bool {
	_, ok := r.domains[domain]
	return ok
}

// Domains 返回排序后的领域名。
func (r *Registry) Domains() []string {
	names := make([]string, 0, len(r.domains))
	for name := range r.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Operations 返回领域内排序后的操作声明副本。
func (r *Registry) Operations(domain string) []Operation {
	entry, ok := r.domains[domain]
	if !ok {
		return nil
	}
	ops := make([]Operation, 0, len(entry.ops))
	for _, op := range entry.ops {
		op.Required = append([]string(nil), op.Required...)
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Name < ops[j].Name })
	return ops
}

// Validate 在调度前检查必填参数。
func (r *Registry) Validate(domain, name string, params map[string]any) error {
	op, err := r.Operation(domain, name)
	if err != nil {
		return err
	}
	var missing []string
	for _, key := range op.Required {
		if isEmptyParam(params[key]) {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return xerrors.New(xerrors.CodeValidationFailed,
		fmt.Sprintf("%s.%s missing required parameter(s): %s", domain, name, strings.Join(missing, ", ")),
		xerrors.WithMetadata("missing", strings.Join(missing, ",")))
}

func isEmptyParam(v any) bool {
	switch value := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(value) == ""
	case []any:
		return len(value) == 0
	case []string:
		return len(value) == 0
	default:
		return false
	}
}
