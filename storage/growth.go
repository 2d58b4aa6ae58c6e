package storage

// GrowthMode selects how tables and pools extend their capacity.
type GrowthMode uint8

const (
	// GrowthDoubling doubles capacity, growing by at least 256 slots.
	GrowthDoubling GrowthMode = iota
	// GrowthStep grows capacity by a fixed number of slots.
	GrowthStep
)

// GrowthPolicy controls capacity growth for entity tables and component
// pools. The zero value behaves like Doubling().
type GrowthPolicy struct {
	Mode GrowthMode
	Step int
}

// Doubling returns the default doubling policy.
func Doubling() GrowthPolicy {
	return GrowthPolicy{Mode: GrowthDoubling}
}

// StepBy returns a policy that grows capacity by n slots at a time.
func StepBy(n int) GrowthPolicy {
	if n <= 0 {
		n = 1
	}
	return GrowthPolicy{Mode: GrowthStep, Step: n}
}

// Next returns the capacity to grow to, given the current capacity and the
// minimum required. The result is always at least need.
func (p GrowthPolicy) Next(cur, need int) int {
	var next int
	switch p.Mode {
	case GrowthStep:
		step := p.Step
		if step <= 0 {
			step = 1
		}
		next = cur + step
	default:
		next = cur * 2
		if next < cur+256 {
			next = cur + 256
		}
	}
	if next < need {
		next = need
	}
	return next
}
