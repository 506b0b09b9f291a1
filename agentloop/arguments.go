package agentloop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ValueKind discriminates the variants of Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "null"
	}
}

// Value is a tool argument value: null, string, number, bool, list or map.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	list []Value
	m    *Arguments
}

// Null returns the null value.
func Null() Value { return Value{} }

func String(s string) Value     { return Value{kind: KindString, str: s} }
func Number(n float64) Value    { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func List(items ...Value) Value { return Value{kind: KindList, list: items} }
func Map(args *Arguments) Value { return Value{kind: KindMap, m: args} }

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

func (v Value) AsString() (string, bool)  { return v.str, v.kind == KindString }
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }
func (v Value) AsBool() (bool, bool)      { return v.b, v.kind == KindBool }
func (v Value) AsList() ([]Value, bool)   { return v.list, v.kind == KindList }
func (v Value) AsMap() (*Arguments, bool) { return v.m, v.kind == KindMap }

// MarshalJSON encodes the value; maps keep their insertion order.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return v.m.MarshalJSON()
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes any JSON value into the matching variant.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty JSON value")
	}
	switch data[0] {
	case 'n':
		*v = Null()
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '[':
		var items []Value
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		if items == nil {
			items = []Value{}
		}
		*v = List(items...)
	case '{':
		args := NewArguments()
		if err := args.UnmarshalJSON(data); err != nil {
			return err
		}
		*v = Map(args)
	default:
		n, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("invalid JSON number %q: %w", data, err)
		}
		*v = Number(n)
	}
	return nil
}

// Arguments is the ordered argument mapping of a tool call.
type Arguments struct {
	om *orderedmap.OrderedMap[string, Value]
}

// NewArguments creates an empty argument mapping.
func NewArguments() *Arguments {
	return &Arguments{om: orderedmap.New[string, Value]()}
}

// ParseArguments decodes a JSON object. Empty input yields empty arguments.
func ParseArguments(raw []byte) (*Arguments, error) {
	args := NewArguments()
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return args, nil
	}
	if err := args.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

func (a *Arguments) init() {
	if a.om == nil {
		a.om = orderedmap.New[string, Value]()
	}
}

// Set assigns key, keeping its original position if it already exists.
func (a *Arguments) Set(key string, v Value) *Arguments {
	a.init()
	a.om.Set(key, v)
	return a
}

// Get returns the value stored under key.
func (a *Arguments) Get(key string) (Value, bool) {
	if a == nil || a.om == nil {
		return Value{}, false
	}
	return a.om.Get(key)
}

// Len returns the number of keys.
func (a *Arguments) Len() int {
	if a == nil || a.om == nil {
		return 0
	}
	return a.om.Len()
}

// Keys returns the keys in insertion order.
func (a *Arguments) Keys() []string {
	if a == nil || a.om == nil {
		return nil
	}
	keys := make([]string, 0, a.om.Len())
	for pair := a.om.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// GetString returns a string argument.
func (a *Arguments) GetString(key string) (string, bool) {
	v, ok := a.Get(key)
	if !ok {
		return "", false
	}
	return v.AsString()
}

// GetInt returns a numeric argument truncated to int.
func (a *Arguments) GetInt(key string) (int, bool) {
	v, ok := a.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := v.AsNumber()
	return int(n), ok
}

// GetBool returns a boolean argument.
func (a *Arguments) GetBool(key string) (bool, bool) {
	v, ok := a.Get(key)
	if !ok {
		return false, false
	}
	return v.AsBool()
}

// MarshalJSON encodes the mapping as a JSON object in insertion order.
func (a *Arguments) MarshalJSON() ([]byte, error) {
	if a == nil || a.om == nil || a.om.Len() == 0 {
		return []byte("{}"), nil
	}
	return a.om.MarshalJSON()
}

// UnmarshalJSON decodes a JSON object, preserving key order.
func (a *Arguments) UnmarshalJSON(data []byte) error {
	a.init()
	return a.om.UnmarshalJSON(data)
}

// Canonical renders the arguments with keys sorted at every level, so two
// mappings with the same content always produce the same text.
func (a *Arguments) Canonical() string {
	var sb strings.Builder
	writeCanonicalMap(&sb, a)
	return sb.String()
}

// String returns the JSON encoding in insertion order.
func (a *Arguments) String() string {
	data, err := a.MarshalJSON()
	if err != nil {
		return "{}"
	}
	return string(data)
}

func writeCanonicalMap(sb *strings.Builder, a *Arguments) {
	keys := a.Keys()
	sort.Strings(keys)
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		key, _ := json.Marshal(k)
		sb.Write(key)
		sb.WriteByte(':')
		v, _ := a.Get(k)
		writeCanonicalValue(sb, v)
	}
	sb.WriteByte('}')
}

func writeCanonicalValue(sb *strings.Builder, v Value) {
	switch v.kind {
	case KindList:
		sb.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonicalValue(sb, item)
		}
		sb.WriteByte(']')
	case KindMap:
		writeCanonicalMap(sb, v.m)
	default:
		data, _ := v.MarshalJSON()
		sb.Write(data)
	}
}
