// Package system provides the real wall clock.
package system

import "time"

// Clock implements watch.Clock using time.Now.
type Clock struct{}

// Now returns the current wall-clock time.
func (Clock) Now() time.Time { return time.Now() }
