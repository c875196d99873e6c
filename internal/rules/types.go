// Package rules 将 YAML 规则集编译为上下文级路由
package rules

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"cdpwire/pkg/model"
)

// RuleSet 规则文件
type RuleSet struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Rule 单条规则；URL 为 glob，为空时匹配全部请求
type Rule struct {
	ID       model.RuleID `yaml:"id"`
	URL      string       `yaml:"url"`
	Priority int          `yaml:"priority"`
	Times    int          `yaml:"times"`
	Match    Match        `yaml:"match"`
	Action   Action       `yaml:"action"`
}

// Match 三组条件同时满足才算命中，空组视为满足
type Match struct {
	AllOf  []Condition `yaml:"allOf"`
	AnyOf  []Condition `yaml:"anyOf"`
	NoneOf []Condition `yaml:"noneOf"`
}

// Condition 请求条件
//
// Type 为 method 时比较 Values；header/query/cookie 以 Key 为名称；
// json 以 Key 为请求体上的 gjson 路径。Op 为空表示只要求存在。
type Condition struct {
	Type   string   `yaml:"type"`
	Key    string   `yaml:"key"`
	Values []string `yaml:"values"`
	Op     string   `yaml:"op"`
	Value  string   `yaml:"value"`
}

const (
	ConditionMethod = "method"
	ConditionHeader = "header"
	ConditionQuery  = "query"
	ConditionCookie = "cookie"
	ConditionJSON   = "json"

	OpEquals   = "equals"
	OpContains = "contains"
	OpRegex    = "regex"
)

// Action 命中后的处理
type Action struct {
	Type string `yaml:"type"`

	// block
	Reason string `yaml:"reason"`

	// respond / patch_response
	Status      int    `yaml:"status"`
	ContentType string `yaml:"contentType"`
	Body        string `yaml:"body"`

	// rewrite / patch_response
	Headers       map[string]string `yaml:"headers"`
	RemoveHeaders []string          `yaml:"removeHeaders"`

	// rewrite
	URL      string `yaml:"url"`
	Method   string `yaml:"method"`
	PostData string `yaml:"postData"`

	// patch_response
	SetJSON    map[string]any `yaml:"setJSON"`
	DeleteJSON []string       `yaml:"deleteJSON"`
}

const (
	ActionBlock         = "block"
	ActionRespond       = "respond"
	ActionRewrite       = "rewrite"
	ActionPatchResponse = "patch_response"
)

// Load 读取规则文件
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// Parse 解析并校验 YAML 规则集
func Parse(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *RuleSet) Validate() error {
	var errs []error
	seen := make(map[model.RuleID]bool)
	for i, r := range rs.Rules {
		name := string(r.ID)
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		} else if seen[r.ID] {
			errs = append(errs, fmt.Errorf("rule %s: duplicate id", name))
		}
		seen[r.ID] = true

		if r.Times < 0 {
			errs = append(errs, fmt.Errorf("rule %s: times must not be negative", name))
		}
		for _, c := range conditions(r.Match) {
			switch c.Type {
			case ConditionMethod:
				if len(c.Values) == 0 {
					errs = append(errs, fmt.Errorf("rule %s: method condition without values", name))
				}
			case ConditionHeader, ConditionQuery, ConditionCookie, ConditionJSON:
				if c.Key == "" {
					errs = append(errs, fmt.Errorf("rule %s: %s condition without key", name, c.Type))
				}
			default:
				errs = append(errs, fmt.Errorf("rule %s: unknown condition type %q", name, c.Type))
			}
			switch c.Op {
			case "", OpEquals, OpContains, OpRegex:
			default:
				errs = append(errs, fmt.Errorf("rule %s: unknown op %q", name, c.Op))
			}
		}
		switch r.Action.Type {
		case ActionBlock, ActionRespond, ActionRewrite, ActionPatchResponse:
		default:
			errs = append(errs, fmt.Errorf("rule %s: unknown action %q", name, r.Action.Type))
		}
	}
	return errors.Join(errs...)
}

func conditions(m Match) []Condition {
	out := make([]Condition, 0, len(m.AllOf)+len(m.AnyOf)+len(m.NoneOf))
	out = append(out, m.AllOf...)
	out = append(out, m.AnyOf...)
	return append(out, m.NoneOf...)
}
