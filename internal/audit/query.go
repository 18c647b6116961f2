package audit

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/pkg/schema"
)

// Querier evaluates jq expressions over audit entries for ad-hoc security
// review. Thread-safe: compiled *Code objects are cached and reused.
type Querier struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewQuerier creates a jq querier with an empty compilation cache.
func NewQuerier() *Querier {
	return &Querier{cache: make(map[string]*gojq.Code)}
}

// Query runs the jq expression against the entries. The input is the object
// {"entries": [...]} so expressions like `.entries[] | select(.success == false)`
// work directly. All outputs are collected and returned.
func (q *Querier) Query(ctx context.Context, expression string, entries []*store.AuditEntry) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := q.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	input, err := entriesToJSON(entries)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, map[string]any{"entries": input})

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"jq evaluation failed for %q: %s", expression, err.Error()).WithCause(err)
		}
		results = append(results, val)
	}
	return results, nil
}

func (q *Querier) getOrCompile(expression string) (*gojq.Code, error) {
	q.mu.RLock()
	if code, ok := q.cache[expression]; ok {
		q.mu.RUnlock()
		return code, nil
	}
	q.mu.RUnlock()

	q.mu.Lock()
	defer q.mu.Unlock()

	if code, ok := q.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).WithCause(err)
	}

	code, err := gojq.Compile(query,
		// Sandbox: block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).WithCause(err)
	}

	q.cache[expression] = code
	return code, nil
}

// entriesToJSON round-trips entries through JSON so jq sees plain maps.
func entriesToJSON(entries []*store.AuditEntry) ([]any, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "serialize audit entries").WithCause(err)
	}
	var out []any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "deserialize audit entries").WithCause(err)
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}
