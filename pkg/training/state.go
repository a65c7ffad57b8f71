package training

import "fmt"

// State is the phase a Driver is in.
type State int

const (
	StateIdle State = iota
	StateLoadingFolds
	StateAssemblingSplit
	StateTrainingEpoch
	StateValidating
	StateDone
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateLoadingFolds:
		return "LOADING_FOLDS"
	case StateAssemblingSplit:
		return "ASSEMBLING_TRAIN_VAL_SPLIT"
	case StateTrainingEpoch:
		return "TRAINING_EPOCH"
	case StateValidating:
		return "VALIDATING"
	case StateDone:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
