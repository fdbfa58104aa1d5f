package vestmath

import (
	"errors"
	"fmt"
	"math/bits"
)

// Schedule is a cliff-plus-linear-slices unlock curve. Time fields are unix
// seconds; TotalAmount is in the asset's smallest unit.
type Schedule struct {
	CliffSeconds    uint64
	DurationSeconds uint64
	SecondsPerSlice uint64
	StartUnix       uint64
	TotalAmount     uint64
}

var ErrInvalidParams = errors.New("vestmath: invalid schedule parameters")

func Validate(s Schedule) error {
	if s.DurationSeconds == 0 {
		return fmt.Errorf("%w: duration_seconds must be > 0", ErrInvalidParams)
	}
	if s.SecondsPerSlice == 0 {
		return fmt.Errorf("%w: seconds_per_slice must be > 0", ErrInvalidParams)
	}
	if s.CliffSeconds > s.DurationSeconds {
		return fmt.Errorf("%w: cliff_seconds %d exceeds duration_seconds %d", ErrInvalidParams, s.CliffSeconds, s.DurationSeconds)
	}
	if s.TotalAmount == 0 {
		return fmt.Errorf("%w: total_amount must be > 0", ErrInvalidParams)
	}
	return nil
}

// VestedAmount returns the cumulative amount unlocked as of now. A partially
// elapsed slice does not vest; when SecondsPerSlice does not evenly divide
// DurationSeconds, the truncated final slice unlocks only once the full
// duration has elapsed. Callers must Validate the schedule first.
func VestedAmount(s Schedule, now uint64) uint64 {
	if now < s.StartUnix {
		return 0
	}
	elapsed := now - s.StartUnix
	if elapsed < s.CliffSeconds {
		return 0
	}
	if elapsed >= s.DurationSeconds {
		return s.TotalAmount
	}

	totalSlices := s.DurationSeconds / s.SecondsPerSlice
	if totalSlices == 0 {
		// Slice longer than the whole duration: nothing unlocks before the
		// elapsed >= duration branch above.
		return 0
	}
	slicesElapsed := elapsed / s.SecondsPerSlice

	// elapsed < duration here, so slicesElapsed <= totalSlices and the
	// 128-bit quotient always fits back into 64 bits.
	hi, lo := bits.Mul64(s.TotalAmount, slicesElapsed)
	vested, _ := bits.Div64(hi, lo, totalSlices)
	return vested
}

// ReleasableAmount is the vested amount net of what has already been issued,
// clamped at zero so accounting drift can never produce a negative release.
func ReleasableAmount(s Schedule, issued uint64, now uint64) uint64 {
	vested := VestedAmount(s, now)
	if vested <= issued {
		return 0
	}
	return vested - issued
}
