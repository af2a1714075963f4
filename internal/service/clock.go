package service

import "time"

// Clock returns the current time. Components default to time.Now; tests
// replace it to move time without sleeping.
type Clock func() time.Time
