package errors

import "fmt"

var (
	ErrNotFound         = fmt.Errorf("match not found")
	ErrPlayerNotFound   = fmt.Errorf("no such player: %w", ErrNotFound)
	ErrConflict         = fmt.Errorf("concurrent modification of match record")
	ErrSeatTaken        = fmt.Errorf("player 2 seat already taken")
	ErrSelfJoin         = fmt.Errorf("cannot join your own match")
	ErrAlreadyConnected = fmt.Errorf("connection already exists")
	ErrNotConnected     = fmt.Errorf("connection not found")
	ErrMalformedRecord  = fmt.Errorf("match record has invalid structure")
	ErrSendBufferFull   = fmt.Errorf("connection send buffer full")
	ErrWorkerPanic      = fmt.Errorf("worker panic")
)
