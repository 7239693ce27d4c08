package error

import "errors"

var ErrTypeAssertMismatch = errors.New("failed to type assert context value")
