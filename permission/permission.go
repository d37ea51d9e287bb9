// Package permission implements "resource:action" permissions with wildcard
// matching and optional attribute constraints.
package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Wildcard matches any value in the resource or action position.
const Wildcard = "*"

// ErrInvalidFormat indicates a permission string is not "resource:action".
var ErrInvalidFormat = errors.New("invalid permission format")

// Permission grants an action on a resource, optionally restricted by
// attribute constraints that must all hold against the request context.
type Permission struct {
	Resource    string         `json:"resource" yaml:"resource"`
	Action      string         `json:"action" yaml:"action"`
	Constraints map[string]any `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// Parse parses "resource:action". A bare "*" is shorthand for "*:*".
func Parse(s string) (Permission, error) {
	s = strings.TrimSpace(s)
	if s == Wildcard {
		return Permission{Resource: Wildcard, Action: Wildcard}, nil
	}
	resource, action, ok := strings.Cut(s, ":")
	if !ok || resource == "" || action == "" || strings.Contains(action, ":") {
		return Permission{}, fmt.Errorf("%w: %q (expected resource:action)", ErrInvalidFormat, s)
	}
	return Permission{Resource: resource, Action: action}, nil
}

// MustParse is like Parse but panics on error. Intended for static tables.
func MustParse(s string) Permission {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// ParseAll parses a list of permission strings.
func ParseAll(perms []string) ([]Permission, error) {
	out := make([]Permission, 0, len(perms))
	for _, s := range perms {
		p, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// String returns the "resource:action" form. Constraints are not rendered.
func (p Permission) String() string {
	return p.Resource + ":" + p.Action
}

// IsUnrestricted reports whether p is "*:*" with no constraints.
func (p Permission) IsUnrestricted() bool {
	return p.Resource == Wildcard && p.Action == Wildcard && len(p.Constraints) == 0
}

// Matches reports whether p grants action on resource. When p carries
// constraints, every constraint key must be present in attrs with an equal
// value, otherwise the match fails even if resource and action match.
func (p Permission) Matches(resource, action string, attrs map[string]any) bool {
	if !MatchSegment(p.Resource, resource) || !MatchSegment(p.Action, action) {
		return false
	}
	for key, want := range p.Constraints {
		got, ok := attrs[key]
		if !ok || !valuesEqual(want, got) {
			return false
		}
	}
	return true
}

// Covers reports whether p grants the permission string required, e.g.
// "agent:*" covers "agent:execute". Constraints are ignored.
func (p Permission) Covers(required string) bool {
	r, err := Parse(required)
	if err != nil {
		return false
	}
	return MatchSegment(p.Resource, r.Resource) && MatchSegment(p.Action, r.Action)
}

// MatchSegment matches a single resource or action value against a pattern.
// Supported forms: exact, "*", "prefix*", "*suffix", "a*b" and patterns
// with several '*' characters.
func MatchSegment(pattern, value string) bool {
	if pattern == Wildcard || pattern == value {
		return true
	}
	if !strings.Contains(pattern, Wildcard) {
		return false
	}

	parts := strings.Split(pattern, Wildcard)
	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	value = value[len(parts[0]):]

	last := parts[len(parts)-1]
	middle := parts[1 : len(parts)-1]
	for _, part := range middle {
		idx := strings.Index(value, part)
		if idx < 0 {
			return false
		}
		value = value[idx+len(part):]
	}
	return strings.HasSuffix(value, last)
}

// Match reports whether any of granted covers required.
// Granted entries that fail to parse are ignored.
func Match(granted []string, required string) bool {
	for _, g := range granted {
		p, err := Parse(g)
		if err != nil {
			continue
		}
		if p.Covers(required) {
			return true
		}
	}
	return false
}

// Strings returns the sorted, de-duplicated string forms of perms.
func Strings(perms []Permission) []string {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		s := p.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON renders unconstrained permissions as a plain string.
func (p Permission) MarshalJSON() ([]byte, error) {
	if len(p.Constraints) == 0 {
		return json.Marshal(p.String())
	}
	type plain Permission
	return json.Marshal(plain(p))
}

// UnmarshalJSON accepts either "resource:action" or an object form.
func (p *Permission) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := Parse(s)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	type plain Permission
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.Resource == "" || obj.Action == "" {
		return fmt.Errorf("%w: resource and action are required", ErrInvalidFormat)
	}
	*p = Permission(obj)
	return nil
}

// UnmarshalYAML accepts either "resource:action" or a mapping.
func (p *Permission) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, err := Parse(s)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	type plain Permission
	var obj plain
	if err := unmarshal(&obj); err != nil {
		return err
	}
	if obj.Resource == "" || obj.Action == "" {
		return fmt.Errorf("%w: resource and action are required", ErrInvalidFormat)
	}
	*p = Permission(obj)
	return nil
}

// valuesEqual compares constraint values. Numbers compare by value so that
// a constraint decoded from JSON (float64) equals an int in the request.
func valuesEqual(want, got any) bool {
	if wf, ok := toFloat(want); ok {
		if gf, ok := toFloat(got); ok {
			return wf == gf
		}
		return false
	}
	return reflect.DeepEqual(want, got)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
