package route

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Matcher URL 匹配条件
type Matcher interface {
	Match(url string) bool
	String() string
}

type globMatcher struct {
	pattern string
	re      *regexp.Regexp
}

func (m *globMatcher) Match(url string) bool { return m.re.MatchString(url) }
func (m *globMatcher) String() string        { return m.pattern }

var globCache sync.Map // pattern -> *regexp.Regexp

// Glob 编译 glob 模式：** 匹配任意字符，* 不跨越 '/'，? 匹配单个字符，{a,b} 为分组
func Glob(pattern string) (Matcher, error) {
	if re, ok := globCache.Load(pattern); ok {
		return &globMatcher{pattern: pattern, re: re.(*regexp.Regexp)}, nil
	}
	re, err := regexp.Compile(globToRegexp(pattern))
	if err != nil {
		return nil, fmt.Errorf("compile glob %q: %w", pattern, err)
	}
	globCache.Store(pattern, re)
	return &globMatcher{pattern: pattern, re: re}, nil
}

// MustGlob 与 Glob 相同，编译失败时 panic
func MustGlob(pattern string) Matcher {
	m, err := Glob(pattern)
	if err != nil {
		panic(err)
	}
	return m
}

func globToRegexp(glob string) string {
	rs := []rune(glob)
	var b strings.Builder
	b.WriteString("^")
	inGroup := false
	for i := 0; i < len(rs); i++ {
		c := rs[i]
		switch c {
		case '*':
			if i+1 < len(rs) && rs[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString(".")
		case '{':
			inGroup = true
			b.WriteString("(")
		case '}':
			if inGroup {
				inGroup = false
				b.WriteString(")")
			} else {
				b.WriteString(`\}`)
			}
		case ',':
			if inGroup {
				b.WriteString("|")
			} else {
				b.WriteString(",")
			}
		case '\\':
			if i+1 < len(rs) {
				i++
				b.WriteString(regexp.QuoteMeta(string(rs[i])))
			} else {
				b.WriteString(`\\`)
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return b.String()
}

type regexpMatcher struct{ re *regexp.Regexp }

func (m regexpMatcher) Match(url string) bool { return m.re.MatchString(url) }
func (m regexpMatcher) String() string        { return "/" + m.re.String() + "/" }

// Regexp 使用正则匹配（不自动锚定）
func Regexp(re *regexp.Regexp) Matcher { return regexpMatcher{re: re} }

type funcMatcher struct {
	name string
	fn   func(string) bool
}

func (m funcMatcher) Match(url string) bool { return m.fn(url) }
func (m funcMatcher) String() string        { return m.name }

// Func 使用自定义谓词匹配
func Func(name string, fn func(url string) bool) Matcher { return funcMatcher{name: name, fn: fn} }
