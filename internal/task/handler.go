package task

import "encoding/json"

// Handler is a registered user function: it receives resolved JSON
// arguments and returns a JSON result, or an error. Registration is an
// explicit builder call rather than symbol-derived reflection, per
// spec.md's function-registry design note.
type Handler func(args json.RawMessage) (json.RawMessage, error)
