package sqli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Kind discriminates the three shapes a Value can take.
type Kind int

const (
	KindScalar Kind = iota
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// Value is a request payload node: a Scalar, a *Sequence or a *Mapping.
// Containers are pointers so a graph built by FromAny may contain cycles.
type Value interface {
	Kind() Kind
}

// Scalar is a leaf: a string, number, bool or nil.
type Scalar struct {
	raw any
}

// NewScalar wraps a primitive value.
func NewScalar(v any) Scalar {
	return Scalar{raw: v}
}

// Kind implements Value.
func (Scalar) Kind() Kind { return KindScalar }

// Raw returns the wrapped primitive.
func (s Scalar) Raw() any { return s.raw }

// Text returns the candidate string for the scalar. ok is false for nil and
// for strings that are empty or all whitespace.
func (s Scalar) Text() (text string, ok bool) {
	switch v := s.raw.(type) {
	case nil:
		return "", false
	case string:
		text = v
	case json.Number:
		text = v.String()
	case bool:
		text = strconv.FormatBool(v)
	case float64:
		text = strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		text = strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		text = strconv.Itoa(v)
	case int64:
		text = strconv.FormatInt(v, 10)
	case int32:
		text = strconv.FormatInt(int64(v), 10)
	case int16:
		text = strconv.FormatInt(int64(v), 10)
	case int8:
		text = strconv.FormatInt(int64(v), 10)
	case uint:
		text = strconv.FormatUint(uint64(v), 10)
	case uint64:
		text = strconv.FormatUint(v, 10)
	case uint32:
		text = strconv.FormatUint(uint64(v), 10)
	case uint16:
		text = strconv.FormatUint(uint64(v), 10)
	case uint8:
		text = strconv.FormatUint(uint64(v), 10)
	default:
		return "", false
	}
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}

// Sequence is an ordered list of values.
type Sequence struct {
	Items []Value
}

// NewSequence creates a sequence over items.
func NewSequence(items ...Value) *Sequence {
	return &Sequence{Items: items}
}

// Kind implements Value.
func (*Sequence) Kind() Kind { return KindSequence }

// Append adds v at the end of the sequence.
func (s *Sequence) Append(v Value) {
	s.Items = append(s.Items, v)
}

// Entry is one key/value pair of a Mapping.
type Entry struct {
	Key   string
	Value Value
}

// Mapping is a string-keyed collection that keeps insertion order.
type Mapping struct {
	entries []Entry
	index   map[string]int
}

// NewMapping creates an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{index: make(map[string]int)}
}

// Kind implements Value.
func (*Mapping) Kind() Kind { return KindMapping }

// Set stores v under key. Setting an existing key replaces the value in place.
func (m *Mapping) Set(key string, v Value) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[key]; ok {
		m.entries[i].Value = v
		return
	}
	m.index[key] = len(m.entries)
	m.entries = append(m.entries, Entry{Key: key, Value: v})
}

// Get returns the value stored under key.
func (m *Mapping) Get(key string) (Value, bool) {
	i, ok := m.index[key]
	if !ok {
		return nil, false
	}
	return m.entries[i].Value, true
}

// Entries returns the entries in insertion order.
func (m *Mapping) Entries() []Entry {
	return m.entries
}

// Len returns the number of entries.
func (m *Mapping) Len() int {
	return len(m.entries)
}

// FromAny converts arbitrary Go data into a Value.
//
// Decoded JSON (map[string]any, []any), url.Values, http.Header, string maps
// and any reflective slice, array, map or struct are supported. Keys of Go
// maps are visited in sorted order. Each container is converted exactly once,
// so self-referencing data produces a cyclic Value graph instead of
// recursing forever. Unsupported kinds (funcs, channels) become nil scalars.
func FromAny(v any) Value {
	c := &converter{seen: make(map[containerID]Value)}
	return c.convert(v)
}

type containerID struct {
	kind reflect.Kind
	ptr  uintptr
	len  int
}

type converter struct {
	seen map[containerID]Value
}

func (c *converter) convert(v any) Value {
	switch t := v.(type) {
	case nil:
		return NewScalar(nil)
	case Value:
		return t
	case string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return NewScalar(t)
	case url.Values:
		return c.convertMultiMap(map[string][]string(t))
	case http.Header:
		return c.convertMultiMap(map[string][]string(t))
	case map[string][]string:
		return c.convertMultiMap(t)
	}
	return c.convertReflect(reflect.ValueOf(v))
}

// convertMultiMap collapses single-valued keys to scalars so that
// ?id=1 is addressed as query.id rather than query.id[0].
func (c *converter) convertMultiMap(m map[string][]string) Value {
	out := NewMapping()
	for _, k := range sortedKeys(m) {
		vals := m[k]
		if len(vals) == 1 {
			out.Set(k, NewScalar(vals[0]))
			continue
		}
		seq := NewSequence()
		for _, s := range vals {
			seq.Append(NewScalar(s))
		}
		out.Set(k, seq)
	}
	return out
}

func (c *converter) convertReflect(rv reflect.Value) Value {
	switch rv.Kind() {
	case reflect.Invalid:
		return NewScalar(nil)

	case reflect.Interface:
		if rv.IsNil() {
			return NewScalar(nil)
		}
		return c.convertElem(rv.Elem())

	case reflect.Pointer:
		if rv.IsNil() {
			return NewScalar(nil)
		}
		id := containerID{kind: reflect.Pointer, ptr: rv.Pointer()}
		if seen, ok := c.seen[id]; ok {
			return seen
		}
		if rv.Elem().Kind() == reflect.Struct {
			m := NewMapping()
			c.seen[id] = m
			c.fillStruct(m, rv.Elem())
			return m
		}
		// A cycle that only passes through non-container pointers resolves to nil.
		c.seen[id] = NewScalar(nil)
		out := c.convertElem(rv.Elem())
		c.seen[id] = out
		return out

	case reflect.String:
		return NewScalar(rv.String())
	case reflect.Bool:
		return NewScalar(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return NewScalar(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return NewScalar(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return NewScalar(rv.Float())

	case reflect.Slice:
		if rv.IsNil() {
			return NewScalar(nil)
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return NewScalar(string(rv.Bytes()))
		}
		id := containerID{kind: reflect.Slice, ptr: rv.Pointer(), len: rv.Len()}
		if seen, ok := c.seen[id]; ok {
			return seen
		}
		seq := &Sequence{Items: make([]Value, 0, rv.Len())}
		c.seen[id] = seq
		for i := 0; i < rv.Len(); i++ {
			seq.Append(c.convertElem(rv.Index(i)))
		}
		return seq

	case reflect.Array:
		seq := &Sequence{Items: make([]Value, 0, rv.Len())}
		for i := 0; i < rv.Len(); i++ {
			seq.Append(c.convertElem(rv.Index(i)))
		}
		return seq

	case reflect.Map:
		if rv.IsNil() {
			return NewScalar(nil)
		}
		id := containerID{kind: reflect.Map, ptr: rv.Pointer()}
		if seen, ok := c.seen[id]; ok {
			return seen
		}
		m := NewMapping()
		c.seen[id] = m

		for _, e := range namedMapKeys(rv.MapKeys()) {
			m.Set(e.name, c.convertElem(rv.MapIndex(e.key)))
		}
		return m

	case reflect.Struct:
		m := NewMapping()
		c.fillStruct(m, rv)
		return m

	default:
		return NewScalar(nil)
	}
}

func (c *converter) convertElem(rv reflect.Value) Value {
	if !rv.IsValid() {
		return NewScalar(nil)
	}
	if rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return NewScalar(nil)
		}
		rv = rv.Elem()
	}
	if rv.CanInterface() {
		return c.convert(rv.Interface())
	}
	return NewScalar(nil)
}

// fillStruct maps exported fields by their json name, skipping fields
// tagged "-".
func (c *converter) fillStruct(m *Mapping, rv reflect.Value) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag := f.Tag.Get("json"); tag != "" {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		m.Set(name, c.convertElem(rv.Field(i)))
	}
}

func mapKeyString(k reflect.Value) string {
	if k.Kind() == reflect.Interface && !k.IsNil() {
		k = k.Elem()
	}
	switch k.Kind() {
	case reflect.String:
		return k.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(k.Uint(), 10)
	case reflect.Bool:
		return strconv.FormatBool(k.Bool())
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(k.Float(), 'f', -1, 64)
	default:
		if k.CanInterface() {
			if s, ok := k.Interface().(interface{ String() string }); ok {
				return s.String()
			}
		}
		return k.Type().String()
	}
}

type namedKey struct {
	name string
	key  reflect.Value
}

// namedMapKeys names map keys in sorted order. Distinct keys that render to
// the same string (1 and "1" in a map[any]any) all stay visible: the first
// keeps the name, the rest get a "#n" suffix.
func namedMapKeys(keys []reflect.Value) []namedKey {
	out := make([]namedKey, len(keys))
	taken := make(map[string]bool, len(keys))
	for i, k := range keys {
		out[i] = namedKey{name: mapKeyString(k), key: k}
		taken[out[i].name] = true
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].name != out[j].name {
			return out[i].name < out[j].name
		}
		return keyOrder(out[i].key) < keyOrder(out[j].key)
	})
	for i := 1; i < len(out); i++ {
		base := mapKeyString(out[i].key)
		if base != mapKeyString(out[i-1].key) {
			continue
		}
		for n := 2; ; n++ {
			name := base + "#" + strconv.Itoa(n)
			if !taken[name] {
				out[i].name = name
				taken[name] = true
				break
			}
		}
	}
	return out
}

// keyOrder breaks ties between keys with the same rendering.
func keyOrder(k reflect.Value) string {
	if k.Kind() == reflect.Interface && !k.IsNil() {
		k = k.Elem()
	}
	if !k.CanInterface() {
		return k.Type().String()
	}
	return fmt.Sprintf("%s|%#v", k.Type(), k.Interface())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
