package hooks

import (
	"context"
	"time"
)

// Handler reacts to an emitted hook
type Handler func(ctx context.Context, e *Event) error

// Event is the context shared by the handlers of one emission. Data is the
// only mutable part; handlers must treat everything else as read-only.
type Event struct {
	// Hook is set by Emit
	Hook       string
	Collection string
	Plugin     string
	RunID      string

	// Payload carries an immutable value such as a sync result
	Payload interface{}

	Data map[string]interface{}
}

// Get returns a Data value
func (e *Event) Get(key string) (interface{}, bool) {
	if e.Data == nil {
		return nil, false
	}
	v, ok := e.Data[key]
	return v, ok
}

// Set stores a Data value
func (e *Event) Set(key string, value interface{}) {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
}

// Bool returns a boolean Data value, false when missing or not a bool
func (e *Event) Bool(key string) bool {
	v, _ := e.Get(key)
	b, _ := v.(bool)
	return b
}

// isolated returns a copy whose Data shares nothing with e
func (e *Event) isolated() *Event {
	cp := *e
	if e.Data != nil {
		cp.Data = deepCopyRecord(e.Data)
	}
	return &cp
}

// Result is the outcome of one handler invocation
type Result struct {
	Scope    string
	Duration time.Duration
	Err      error
}

// deepCopyRecord creates a deep copy of a data map so parallel handlers
// have fully isolated data
func deepCopyRecord(record map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(record))
	for k, v := range record {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return deepCopyRecord(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []int:
		return append([]int(nil), val...)
	case []int64:
		return append([]int64(nil), val...)
	case []float64:
		return append([]float64(nil), val...)
	case []bool:
		return append([]bool(nil), val...)
	default:
		// values are copied by assignment
		return v
	}
}
