// Package blocks parses and rewrites block-state descriptors of the form
// "namespace:kind[key=value,...]".
package blocks

import (
	"fmt"
	"sort"
	"strings"
)

const DefaultNamespace = "minecraft"

const Air = "minecraft:air"

type Prop struct {
	Key   string
	Value string
}

// State is a parsed descriptor. Props are kept sorted by key so String is canonical.
type State struct {
	Kind  string
	Props []Prop
}

func Parse(s string) (State, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return State{}, fmt.Errorf("blocks: empty descriptor")
	}
	kind := s
	var props []Prop
	if i := strings.IndexByte(s, '['); i >= 0 {
		if !strings.HasSuffix(s, "]") {
			return State{}, fmt.Errorf("blocks: unterminated properties in %q", s)
		}
		kind = s[:i]
		body := s[i+1 : len(s)-1]
		if strings.TrimSpace(body) != "" {
			seen := map[string]bool{}
			for _, kv := range strings.Split(body, ",") {
				k, v, ok := strings.Cut(kv, "=")
				k = strings.TrimSpace(k)
				v = strings.TrimSpace(v)
				if !ok || k == "" || v == "" {
					return State{}, fmt.Errorf("blocks: bad property %q in %q", kv, s)
				}
				if seen[k] {
					return State{}, fmt.Errorf("blocks: duplicate property %q in %q", k, s)
				}
				seen[k] = true
				props = append(props, Prop{Key: k, Value: v})
			}
		}
	}
	kind = strings.TrimSpace(kind)
	if kind == "" || strings.ContainsAny(kind, "[]=, ") {
		return State{}, fmt.Errorf("blocks: bad kind in %q", s)
	}
	if !strings.Contains(kind, ":") {
		kind = DefaultNamespace + ":" + kind
	}
	sort.Slice(props, func(i, j int) bool { return props[i].Key < props[j].Key })
	return State{Kind: kind, Props: props}, nil
}

func MustParse(s string) State {
	st, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return st
}

func (s State) String() string {
	if len(s.Props) == 0 {
		return s.Kind
	}
	var b strings.Builder
	b.WriteString(s.Kind)
	b.WriteByte('[')
	for i, p := range s.Props {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	b.WriteByte(']')
	return b.String()
}

func (s State) Prop(key string) (string, bool) {
	for _, p := range s.Props {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// With returns a copy of s with key set to value.
func (s State) With(key, value string) State {
	props := make([]Prop, 0, len(s.Props)+1)
	replaced := false
	for _, p := range s.Props {
		if p.Key == key {
			p.Value = value
			replaced = true
		}
		props = append(props, p)
	}
	if !replaced {
		props = append(props, Prop{Key: key, Value: value})
		sort.Slice(props, func(i, j int) bool { return props[i].Key < props[j].Key })
	}
	return State{Kind: s.Kind, Props: props}
}

// Name is the kind without its namespace.
func (s State) Name() string {
	if _, name, ok := strings.Cut(s.Kind, ":"); ok {
		return name
	}
	return s.Kind
}

// KindOf returns the namespaced kind of a descriptor without validating its properties.
func KindOf(desc string) string {
	kind := strings.TrimSpace(desc)
	if i := strings.IndexByte(kind, '['); i >= 0 {
		kind = kind[:i]
	}
	if kind != "" && !strings.Contains(kind, ":") {
		kind = DefaultNamespace + ":" + kind
	}
	return kind
}
