package feed

import (
	"errors"
	"fmt"
)

// FatalError marks a connect failure that retrying cannot fix, such as a
// missing or rejected access token. The reconnect loop never runs for it.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
