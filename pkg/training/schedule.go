package training

import (
	"fmt"
	"math"
)

// ScheduleOptions are the budgets the schedule is derived from.
type ScheduleOptions struct {
	// MinEpochs is the lower bound on the epoch count
	MinEpochs int

	// StepBudget is the number of optimization steps a run should reach
	StepBudget int

	// ValidationBudget sets how many examples pass between validations
	ValidationBudget int
}

// DefaultScheduleOptions gives every run at least 15 epochs and around
// 30000 optimization steps, validating about every 600 examples.
var DefaultScheduleOptions = ScheduleOptions{
	MinEpochs:        15,
	StepBudget:       30000,
	ValidationBudget: 600,
}

// Schedule is the epoch count and validation cadence of one run.
type Schedule struct {
	Epochs      int
	ValInterval int
}

// DeriveSchedule computes the schedule for a dataset of rows examples:
//
//	val    = max(1, round(ValidationBudget / rows))
//	epochs = max(MinEpochs, ceil(StepBudget / rows)), rounded up to a multiple of val
//
// round is half to even, as everywhere else in the module.
func DeriveSchedule(rows int, opts ScheduleOptions) (Schedule, error) {
	if rows <= 0 {
		return Schedule{}, fmt.Errorf("training: cannot schedule %d rows", rows)
	}
	if opts.MinEpochs <= 0 || opts.StepBudget <= 0 || opts.ValidationBudget <= 0 {
		return Schedule{}, fmt.Errorf("training: schedule budgets must be positive, got %+v", opts)
	}

	val := int(math.RoundToEven(float64(opts.ValidationBudget) / float64(rows)))
	val = max(1, val)

	epochs := int(math.Ceil(float64(opts.StepBudget) / float64(rows)))
	epochs = max(opts.MinEpochs, epochs)
	epochs = (epochs + val - 1) / val * val

	return Schedule{Epochs: epochs, ValInterval: val}, nil
}

// Validates reports whether epoch (1-based) ends with a validation pass.
func (s Schedule) Validates(epoch int) bool {
	return s.ValInterval > 0 && epoch%s.ValInterval == 0
}
