package memory

import "errors"

var (
	errTokenUnknown    = errors.New("reservation token unknown")
	errTokenConsumed   = errors.New("reservation token already resolved")
	errKeyNotCommitted = errors.New("canonical key has no committed allocation")
)
