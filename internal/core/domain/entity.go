package domain

import (
	"encoding/json"
	"fmt"
)

// Entity is the attribute record of a single entity. Values are JSON
// compatible: string, bool, float64, []any, map[string]any or nil.
type Entity map[string]any

// Clone returns a deep copy so callers cannot alias stored state.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// NormalizeEntity round-trips attributes through JSON so that every backend
// observes the same value types.
func NormalizeEntity(e Entity) (Entity, error) {
	if e == nil {
		return nil, nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	var out Entity
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return out, nil
}

// EntityKey addresses an entity inside a deployment.
type EntityKey struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (k EntityKey) String() string {
	return k.Type + "#" + k.ID
}

type OperationKind string

const (
	OpSet    OperationKind = "set"
	OpRemove OperationKind = "remove"
)

// EntityOperation is a buffered mutation produced by a mapping handler.
type EntityOperation struct {
	Kind OperationKind
	Key  EntityKey
	Data Entity // nil for OpRemove
}

// EntityVersion is one row of the version log.
type EntityVersion struct {
	Key      EntityKey
	Block    uint64
	Data     Entity // nil marks a removal
	Reverted bool
}

// EntityRecord is an entity as seen by readers at some height.
type EntityRecord struct {
	Key   EntityKey
	Block uint64 // block that wrote the visible version
	Data  Entity
}

// EntityQuery filters entities of one type. Where matches attribute
// equality; results are ordered by id.
type EntityQuery struct {
	Type  string
	ID    string
	Where map[string]any
	First int
	Skip  int
}

const (
	DefaultQueryFirst = 100
	MaxQueryFirst     = 1000
)

// Limit returns the effective page size.
func (q EntityQuery) Limit() int {
	switch {
	case q.First <= 0:
		return DefaultQueryFirst
	case q.First > MaxQueryFirst:
		return MaxQueryFirst
	default:
		return q.First
	}
}

// Matches reports whether data satisfies the Where clause. Values compare
// whole: a nested object or list matches only an equal one.
func (q EntityQuery) Matches(data Entity) bool {
	for attr, want := range q.Where {
		got, ok := data[attr]
		if !ok {
			return false
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	ra, err := json.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ra) == string(rb)
}

// BlockChanges is everything a block commits for one deployment.
type BlockChanges struct {
	Operations     []EntityOperation
	DynamicSources []DynamicSource
}

// EntityTypes lists the distinct entity types touched, in first-touch order.
func (c BlockChanges) EntityTypes() []string {
	seen := make(map[string]struct{})
	var types []string
	for _, op := range c.Operations {
		if _, ok := seen[op.Key.Type]; ok {
			continue
		}
		seen[op.Key.Type] = struct{}{}
		types = append(types, op.Key.Type)
	}
	return types
}
