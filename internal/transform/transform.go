package transform

import (
	"fmt"
	"strconv"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Record is one source document as read from the store. Fields are
// dynamically typed and may be absent.
type Record map[string]any

// Document is the flat projection sent to the search index. Always carries
// a string "id".
type Document map[string]any

// Func maps a source record to a search document. ok=false means the record
// is skipped: bulk batches drop it and change events produce no index write.
// Implementations must be pure and total: no I/O, no mutation of the input,
// missing fields default to nil instead of failing.
type Func func(rec Record) (doc Document, ok bool)

// Field declares one mapping from a source field to a document attribute.
type Field struct {
	Source string
	Target string
	Kind   string // string | number | bool | ref | refs | timestamp | raw
}

// KnownKind reports whether a declared field kind is supported.
func KnownKind(k string) bool {
	switch k {
	case "", "string", "number", "bool", "ref", "refs", "timestamp", "raw":
		return true
	}
	return false
}

// Compile builds a Func from a declarative field list. When fields is empty
// every record field except the primary key is copied with its first rune
// lowered and its value coerced by shape.
func Compile(primaryKey string, fields []Field) Func {
	pk := primaryKey
	if pk == "" {
		pk = "_id"
	}
	specs := append([]Field(nil), fields...)

	return func(rec Record) (Document, bool) {
		raw, present := rec[pk]
		id := IDString(raw)
		if !present || id == "" {
			return nil, false
		}
		doc := Document{"id": id}
		if len(specs) == 0 {
			for k, v := range rec {
				if k == pk {
					continue
				}
				target := lowerFirst(k)
				if target == "id" {
					// The derived identity always wins over a source
					// "Id"/"id" field.
					continue
				}
				doc[target] = autoCoerce(v)
			}
			return doc, true
		}
		for _, f := range specs {
			target := f.Target
			if target == "" {
				target = lowerFirst(f.Source)
			}
			if target == "id" {
				continue
			}
			doc[target] = coerce(f.Kind, rec[f.Source])
		}
		return doc, true
	}
}

var (
	regMu    sync.RWMutex
	registry = map[string]Func{}
)

// Register installs a named transform so config can refer to custom Go
// mappings by name.
func Register(name string, fn Func) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = fn
}

func Lookup(name string) (Func, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

// IDString renders a record identifier in its canonical string form. The
// same function serves transform output and delete-by-id resolution so the
// two paths can never disagree on identity.
func IDString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case primitive.ObjectID:
		return t.Hex()
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any:
		return refID(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// refID pulls the identifier out of an embedded reference object.
func refID(m map[string]any) string {
	for _, k := range []string{"_id", "$id", "id"} {
		if v, ok := m[k]; ok {
			return IDString(v)
		}
	}
	return ""
}

// RefIDs maps an array of references element-wise to string identifiers,
// preserving order.
func RefIDs(v any) []string {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case primitive.A:
		items = t
	default:
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, IDString(it))
	}
	return out
}

// Millis converts a date-like value to a sortable unix-millis timestamp, or
// nil when the value is absent or unparseable.
func Millis(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UnixMilli()
	case primitive.DateTime:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UnixMilli()
		}
		return nil
	default:
		return nil
	}
}

func coerce(kind string, v any) any {
	if v == nil {
		return nil
	}
	switch kind {
	case "string":
		if s, ok := v.(string); ok {
			return s
		}
		return IDString(v)
	case "number", "bool", "raw", "":
		return normalize(v)
	case "ref":
		if s := IDString(v); s != "" {
			return s
		}
		return nil
	case "refs":
		return RefIDs(v)
	case "timestamp":
		return Millis(v)
	default:
		return normalize(v)
	}
}

// autoCoerce maps a value by shape: embedded references become ids,
// reference arrays become id lists, dates become millis.
func autoCoerce(v any) any {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case time.Time, primitive.DateTime:
		return Millis(t)
	case map[string]any:
		if id := refID(t); id != "" {
			return id
		}
		return normalize(t)
	case primitive.M:
		return autoCoerce(map[string]any(t))
	case []any:
		return coerceSlice(t)
	case primitive.A:
		return coerceSlice(t)
	default:
		return v
	}
}

func coerceSlice(items []any) any {
	if len(items) == 0 {
		return []any{}
	}
	if _, ok := asRefMap(items[0]); ok {
		return RefIDs(items)
	}
	out := make([]any, 0, len(items))
	for _, it := range items {
		out = append(out, autoCoerce(it))
	}
	return out
}

func asRefMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		if refID(t) != "" {
			return t, true
		}
	case primitive.M:
		return asRefMap(map[string]any(t))
	}
	return nil, false
}

// normalize strips bson wrapper types so documents marshal as plain JSON.
func normalize(v any) any {
	switch t := v.(type) {
	case primitive.M:
		return normalizeMap(map[string]any(t))
	case map[string]any:
		return normalizeMap(t)
	case primitive.A:
		return normalizeSlice(t)
	case []any:
		return normalizeSlice(t)
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return int64(t)
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

func normalizeSlice(items []any) []any {
	out := make([]any, 0, len(items))
	for _, it := range items {
		out = append(out, normalize(it))
	}
	return out
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}
