// Package clock defines the time source injected into the progress service.
package clock

import "time"

// Clock returns the current time. Implementations used for elapsed-time
// arithmetic must return readings that carry a monotonic component.
type Clock interface {
	Now() time.Time
}
