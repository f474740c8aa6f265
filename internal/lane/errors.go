package lane

import "errors"

// ErrAlreadyRunning rejects StartRun synchronously when the target lane has
// an active run. No state is mutated on this path.
var ErrAlreadyRunning = errors.New("lane already running")

// ErrDraining rejects StartRun once Drain has begun.
var ErrDraining = errors.New("lane manager draining")
