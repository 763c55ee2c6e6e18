package hub

import (
	"errors"
	"time"
)

var (
	// ErrHubClosed is returned by Subscribe after shutdown has begun.
	ErrHubClosed = errors.New("broadcast hub closed")
	// ErrDisconnected marks a subscriber whose transport went away; the
	// subscription is removed, other subscribers are unaffected.
	ErrDisconnected = errors.New("subscriber disconnected")
)

const publishTimeout = 2 * time.Second
