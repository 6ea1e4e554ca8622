package domain

import (
	"errors"
	"fmt"
)

// ErrValidation 写入前校验失败
var ErrValidation = errors.New("validation failed")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
