package dispatch

import "errors"

var (
	ErrNotRunning      = errors.New("dispatch service not running")
	ErrNoEntry         = errors.New("entry point has no function")
	ErrForeignContext  = errors.New("context was not created by this service")
	ErrAlreadyLaunched = errors.New("context already launched")
	ErrContextClosed   = errors.New("context closed")
)
