package state

import (
	"encoding/json"
)

// Action is one dispatched state transition. Err carries the normalized
// failure on terminal failed actions; reducers may inspect it but must not
// depend on any transport-specific shape.
type Action struct {
	Type    string
	Payload any
	Err     error
}

// Reducer computes the next slice state. It must be pure and must never
// block: suspension happens in effect tasks and the persistence write path,
// never inside a reducer.
type Reducer func(current any, action Action) any

// Slice is one named subtree of the application state. Payloads are opaque
// to this layer; Decode turns a persisted payload back into live state
// during rehydration and defaults to generic JSON decoding.
type Slice struct {
	Name    string
	Initial any
	Reduce  Reducer
	Decode  func(payload json.RawMessage) (any, error)
}
