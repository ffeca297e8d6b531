package executor

import "errors"

var (
	// ErrJobNotRegistered is returned when no implementation exists for a slug
	ErrJobNotRegistered = errors.New("job not registered")

	// ErrTooManyRunning is returned when the concurrent job limit is reached
	ErrTooManyRunning = errors.New("maximum number of concurrent jobs reached")
)
