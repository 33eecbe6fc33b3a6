package registry

import (
	"context"
	"encoding/json"
	"fmt"
)

// Defaulter is implemented by argument structs that need defaults applied
// before decoding. Fields present in the arguments overwrite them.
type Defaulter interface {
	Defaults()
}

// Typed adapts a handler taking a concrete argument struct to Handler. The
// raw arguments are decoded with encoding/json after schema validation.
func Typed[T any](fn func(ctx context.Context, in T) (any, error)) Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in T
		if d, ok := any(&in).(Defaulter); ok {
			d.Defaults()
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		return fn(ctx, in)
	}
}
