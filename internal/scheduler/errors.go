package scheduler

import "errors"

var (
	// ErrJobNotFound is returned when no definition exists for a slug
	ErrJobNotFound = errors.New("job not found")

	// ErrJobDisabled is returned when triggering a disabled job
	ErrJobDisabled = errors.New("job disabled")

	// ErrInvalidCron is returned when a cron expression or timezone does not parse
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrMaxRetriesExceeded is returned when every attempt of a run failed
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// ErrNotStarted is returned when triggering before Start
	ErrNotStarted = errors.New("scheduler not started")
)
