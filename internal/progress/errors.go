package progress

import "errors"

// ErrInvalidUsage reports a call that is never legal for the handle's current
// situation, such as changing the initial delay after start or requesting a
// second dedicated artifact. Races that are expected between independent
// workers (progress after finish, repeated start) are tolerated instead.
var ErrInvalidUsage = errors.New("progress: invalid usage")
