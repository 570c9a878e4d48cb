// Package store holds the JSON tree served by the emulator.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidRoot is returned when the root of the tree would become a non-object.
var ErrInvalidRoot = errors.New("root of the tree must be an object")

// Tree is a JSON document addressed by slash-delimited paths. Reading a path
// with no data yields nil. Writing nil, an empty object, or an object whose
// leaves are all nil removes the path, and empty parents are pruned.
type Tree interface {
	Get(ctx context.Context, path string) (any, error)
	Set(ctx context.Context, path string, v any) error
	// Update writes each entry of fields relative to path. Keys may themselves
	// contain slashes; entries not named are left untouched.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Push stores v under a new time-ordered child key of path and returns the key.
	Push(ctx context.Context, path string, v any) (string, error)
	Delete(ctx context.Context, path string) error
	Close() error
}

// SplitPath turns "a/b/c" into its segments, dropping empty ones.
func SplitPath(path string) []string {
	parts := strings.Split(path, "/")
	segs := parts[:0]
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

// NewPushKey returns a key that sorts after every key generated before it.
func NewPushKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "-" + strings.ReplaceAll(id.String(), "-", "")
}

// write is one pending mutation: v at segs, nil meaning delete.
type write struct {
	segs []string
	v    any
}

func updateWrites(path string, fields map[string]any) []write {
	base := SplitPath(path)
	writes := make([]write, 0, len(fields))
	for k, v := range fields {
		segs := append(append([]string{}, base...), SplitPath(k)...)
		writes = append(writes, write{segs: segs, v: v})
	}
	return writes
}

// normalize deep-copies v into the tree's canonical shape: objects are
// map[string]any, arrays become objects keyed by index, nils and empty
// objects vanish.
func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if n := normalize(child); n != nil {
				out[k] = n
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []any:
		out := make(map[string]any, len(t))
		for i, child := range t {
			if n := normalize(child); n != nil {
				out[strconv.Itoa(i)] = n
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case json.Number, string, bool, float64, int64:
		return t
	case int:
		return int64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		// Anything else goes through JSON to reach a canonical shape.
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		var decoded any
		if err := decodeJSON(data, &decoded); err != nil {
			return string(data)
		}
		return normalize(decoded)
	}
}

// getIn walks node along segs. The result aliases node; callers copy it.
func getIn(node any, segs []string) any {
	for _, s := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[s]
	}
	return node
}

// setIn returns node with v written at segs. Intermediate scalars are
// replaced by objects; emptied objects are pruned to nil.
func setIn(node any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	m, ok := node.(map[string]any)
	if !ok {
		if v == nil {
			return node
		}
		m = map[string]any{}
	}
	child := setIn(m[segs[0]], segs[1:], v)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func decodeJSON(data []byte, out *any) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	return dec.Decode(out)
}
