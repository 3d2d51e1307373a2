package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelBusy is returned when a live subscriber is already attached.
	ErrChannelBusy = errors.New("channel busy: subscriber already attached")

	// ErrChannelClosed is returned when publishing to or attaching a channel
	// that has been closed.
	ErrChannelClosed = errors.New("channel closed")

	// ErrChannelFinished is returned when a resume targets a request-correlated
	// channel whose terminal response has been delivered and nothing is left to
	// replay.
	ErrChannelFinished = errors.New("channel finished")
)

// ReplayGapError reports that the requested replay point is older than the
// retained history. OldestAvailable is the lowest sequence id a caller could
// still resume from; anything between the requested point and it is gone.
type ReplayGapError struct {
	LastSeen        uint64
	OldestAvailable uint64
}

func (e *ReplayGapError) Error() string {
	return fmt.Sprintf("replay gap detected: last seen %d, oldest available %d", e.LastSeen, e.OldestAvailable)
}

// IsReplayGap reports whether err is a ReplayGapError and returns it if so.
func IsReplayGap(err error) (*ReplayGapError, bool) {
	var gap *ReplayGapError
	if errors.As(err, &gap) {
		return gap, true
	}
	return nil, false
}
