package nbi

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/durationpb"
)

var ErrInvalidStep = errors.New("invalid step")

// MaxStep bounds a single Step RPC.
const MaxStep = time.Hour

// ValidateStepDuration checks a Step request and returns dt in seconds. A
// zero duration is allowed and runs a pass that moves nothing.
func ValidateStepDuration(d *durationpb.Duration) (float64, error) {
	if d == nil {
		return 0, fmt.Errorf("%w: dt is required", ErrInvalidStep)
	}
	if err := d.CheckValid(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidStep, err)
	}
	dt := d.AsDuration()
	if dt < 0 {
		return 0, fmt.Errorf("%w: dt must not be negative, got %s", ErrInvalidStep, dt)
	}
	if dt > MaxStep {
		return 0, fmt.Errorf("%w: dt %s exceeds %s", ErrInvalidStep, dt, MaxStep)
	}
	return dt.Seconds(), nil
}
