// Package urls keeps named url rules and builds urls for them.
//
// A rule is a path with variable segments, like "/post/<int:post_id>" or "/path/<path:subpath>".
// Supported converters are "string" (default, single segment), "int" (non-negative decimal) and
// "path" (rest of the path, slashes allowed, last segment only). Each rule translates into
// a net/http ServeMux pattern, so routing itself is done by the standard mux and this package
// only converts matched values and builds urls back from endpoint names.
package urls

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// errors returned by Map and Rule
var (
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrMissingValue    = errors.New("missing value")
	ErrBadValue        = errors.New("bad value")
	ErrConversion      = errors.New("conversion failed")
	ErrBadRule         = errors.New("bad rule")
)

// Map is a set of rules keyed by endpoint name. Safe for concurrent use.
type Map struct {
	baseURL string

	mu        sync.RWMutex
	endpoints map[string][]*Rule
	rules     []*Rule
}

// New makes an empty Map. The baseURL, if not empty, is prefixed to every built url.
func New(baseURL string) *Map {
	return &Map{baseURL: strings.TrimSuffix(baseURL, "/"), endpoints: map[string][]*Rule{}}
}

// Add parses rule and registers it under the endpoint. The same endpoint may have several rules,
// but the same rule can't be registered twice.
func (m *Map) Add(endpoint, rule string) (*Rule, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: empty endpoint for %q", ErrBadRule, rule)
	}
	r, err := Parse(rule)
	if err != nil {
		return nil, err
	}
	r.Endpoint = endpoint

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rules {
		if existing.Pattern() == r.Pattern() {
			return nil, fmt.Errorf("%w: %q conflicts with %q of %s", ErrBadRule, rule, existing.text, existing.Endpoint)
		}
	}
	m.endpoints[endpoint] = append(m.endpoints[endpoint], r)
	m.rules = append(m.rules, r)
	return r, nil
}

// Rules returns all rules in registration order
func (m *Map) Rules() []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]*Rule, len(m.rules))
	copy(res, m.rules)
	return res
}

// Build makes url for the endpoint. Params matching rule variables fill the path,
// the rest go to the query string, sorted by key. Nil params are skipped.
// For endpoints with several rules the one using the most params wins.
func (m *Map) Build(endpoint string, params map[string]any) (string, error) {
	m.mu.RLock()
	rules := m.endpoints[endpoint]
	m.mu.RUnlock()
	if len(rules) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}

	var best *Rule
	for _, r := range rules {
		if !r.suppliedBy(params) {
			continue
		}
		if best == nil || len(r.vars) > len(best.vars) {
			best = r
		}
	}
	if best == nil {
		missing := rules[0].missing(params)
		return "", fmt.Errorf("%w: %s requires %q", ErrMissingValue, endpoint, missing)
	}

	path, err := best.build(params)
	if err != nil {
		return "", err
	}

	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == nil || best.hasVar(k) {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, queryEscape(k)+"="+queryEscape(fmt.Sprint(params[k])))
		}
		path += "?" + strings.Join(pairs, "&")
	}
	return m.baseURL + path, nil
}

// querySafe are the characters left as is in query keys and values, in addition to unreserved ones
const querySafe = "!$'()*,/:;?@"

// queryEscape escapes s for the query string. Unlike url.QueryEscape it keeps sub-delimiters,
// slash, colon, question mark and at sign readable, so next=/ stays next=/. Space becomes "+".
func queryEscape(s string) string {
	const hex = "0123456789ABCDEF"
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~', strings.IndexByte(querySafe, c) >= 0:
			sb.WriteByte(c)
		case c == ' ':
			sb.WriteByte('+')
		default:
			sb.WriteByte('%')
			sb.WriteByte(hex[c>>4])
			sb.WriteByte(hex[c&15])
		}
	}
	return sb.String()
}

// Pairs converts key-value pairs, as passed from templates, to params map
func Pairs(kv ...any) (map[string]any, error) {
	if len(kv)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of key-value arguments", ErrBadValue)
	}
	res := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			return nil, fmt.Errorf("%w: key %v is not a string", ErrBadValue, kv[i])
		}
		res[k] = kv[i+1]
	}
	return res, nil
}

// Rule is a parsed url rule
type Rule struct {
	Endpoint string

	text     string
	segments []segment
	vars     []string
	trailing bool // rule ends with slash
}

type segment struct {
	static string
	name   string
	conv   converter
}

func (s segment) isVar() bool { return s.conv != nil }

// Parse parses a rule. Variables are written as <name> or <converter:name> and must take
// a whole path segment.
func Parse(rule string) (*Rule, error) {
	if !strings.HasPrefix(rule, "/") {
		return nil, fmt.Errorf("%w: %q must start with /", ErrBadRule, rule)
	}

	res := &Rule{text: rule, trailing: strings.HasSuffix(rule, "/")}
	trimmed := strings.Trim(rule, "/")
	if trimmed == "" {
		return res, nil
	}

	seen := map[string]bool{}
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q has empty segment", ErrBadRule, rule)
		}
		if !strings.ContainsAny(p, "<>") {
			res.segments = append(res.segments, segment{static: p})
			continue
		}
		if !strings.HasPrefix(p, "<") || !strings.HasSuffix(p, ">") || strings.Count(p, "<") != 1 {
			return nil, fmt.Errorf("%w: variable in %q must take a whole segment", ErrBadRule, rule)
		}

		convName, name := "string", p[1:len(p)-1]
		if idx := strings.Index(name, ":"); idx >= 0 {
			convName, name = name[:idx], name[idx+1:]
		}
		if name == "" {
			return nil, fmt.Errorf("%w: empty variable name in %q", ErrBadRule, rule)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate variable %q in %q", ErrBadRule, name, rule)
		}
		seen[name] = true

		conv, ok := converters[convName]
		if !ok {
			return nil, fmt.Errorf("%w: unknown converter %q in %q", ErrBadRule, convName, rule)
		}
		if conv.greedy() && (i != len(parts)-1 || res.trailing) {
			return nil, fmt.Errorf("%w: path variable %q must be the last segment of %q", ErrBadRule, name, rule)
		}
		res.segments = append(res.segments, segment{name: name, conv: conv})
		res.vars = append(res.vars, name)
	}
	return res, nil
}

// String returns the rule as written
func (r *Rule) String() string { return r.text }

// Vars returns names of the rule variables
func (r *Rule) Vars() []string { return append([]string(nil), r.vars...) }

// Pattern returns the ServeMux pattern for the rule, without method
func (r *Rule) Pattern() string {
	var sb strings.Builder
	for _, s := range r.segments {
		sb.WriteString("/")
		switch {
		case !s.isVar():
			sb.WriteString(s.static)
		case s.conv.greedy():
			sb.WriteString("{" + s.name + "...}")
		default:
			sb.WriteString("{" + s.name + "}")
		}
	}
	if r.trailing {
		sb.WriteString("/{$}")
	}
	return sb.String()
}

// Values extracts and converts rule variables from the request matched by the rule pattern
func (r *Rule) Values(req *http.Request) (Values, error) {
	res := make(Values, len(r.vars))
	for _, s := range r.segments {
		if !s.isVar() {
			continue
		}
		v, err := s.conv.toValue(req.PathValue(s.name))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConversion, s.name, err)
		}
		res[s.name] = v
	}
	return res, nil
}

func (r *Rule) build(params map[string]any) (string, error) {
	if len(r.segments) == 0 {
		return "/", nil
	}
	var sb strings.Builder
	for _, s := range r.segments {
		sb.WriteString("/")
		if !s.isVar() {
			sb.WriteString(s.static)
			continue
		}
		v, err := s.conv.toURL(params[s.name])
		if err != nil {
			return "", fmt.Errorf("%w: %s for %s: %v", ErrBadValue, s.name, r.Endpoint, err)
		}
		sb.WriteString(v)
	}
	if r.trailing {
		sb.WriteString("/")
	}
	return sb.String(), nil
}

func (r *Rule) hasVar(name string) bool {
	for _, v := range r.vars {
		if v == name {
			return true
		}
	}
	return false
}

func (r *Rule) suppliedBy(params map[string]any) bool {
	return r.missing(params) == ""
}

func (r *Rule) missing(params map[string]any) string {
	for _, v := range r.vars {
		if val, ok := params[v]; !ok || val == nil {
			return v
		}
	}
	return ""
}

// Values are converted rule variables
type Values map[string]any

// Int returns int variable, zero if missing or not int
func (v Values) Int(name string) int {
	i, _ := v[name].(int)
	return i
}

// String returns string variable, empty if missing or not string
func (v Values) String(name string) string {
	s, _ := v[name].(string)
	return s
}

// Names returns sorted variable names
func (v Values) Names() []string {
	res := make([]string, 0, len(v))
	for k := range v {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

type converter interface {
	toValue(raw string) (any, error)
	toURL(v any) (string, error)
	greedy() bool
}

var converters = map[string]converter{
	"string": stringConverter{},
	"int":    intConverter{},
	"path":   pathConverter{},
}

type stringConverter struct{}

func (stringConverter) toValue(raw string) (any, error) {
	if raw == "" {
		return nil, errors.New("empty value")
	}
	return raw, nil
}

func (stringConverter) toURL(v any) (string, error) {
	s := fmt.Sprint(v)
	if s == "" {
		return "", errors.New("empty value")
	}
	return url.PathEscape(s), nil
}

func (stringConverter) greedy() bool { return false }

type intConverter struct{}

func (intConverter) toValue(raw string) (any, error) {
	if raw == "" || strings.TrimLeft(raw, "0123456789") != "" {
		return nil, fmt.Errorf("%q is not a number", raw)
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		return nil, err
	}
	return i, nil
}

func (intConverter) toURL(v any) (string, error) {
	var i int64
	switch val := v.(type) {
	case int:
		i = int64(val)
	case int32:
		i = int64(val)
	case int64:
		i = val
	case uint:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	case string:
		parsed, err := intConverter{}.toValue(val)
		if err != nil {
			return "", err
		}
		i = int64(parsed.(int))
	default:
		return "", fmt.Errorf("%v (%T) is not an integer", v, v)
	}
	if i < 0 {
		return "", fmt.Errorf("negative value %d", i)
	}
	return strconv.FormatInt(i, 10), nil
}

func (intConverter) greedy() bool { return false }

type pathConverter struct{}

func (pathConverter) toValue(raw string) (any, error) {
	if raw == "" {
		return nil, errors.New("empty path")
	}
	return raw, nil
}

func (pathConverter) toURL(v any) (string, error) {
	s := strings.Trim(fmt.Sprint(v), "/")
	if s == "" {
		return "", errors.New("empty path")
	}
	parts := strings.Split(s, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/"), nil
}

func (pathConverter) greedy() bool { return true }
