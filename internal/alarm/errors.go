package alarm

import "errors"

var (
	ErrDisabled   = errors.New("alarm engine disabled")
	ErrNoInterval = errors.New("repeating registration requires a positive interval")
)
