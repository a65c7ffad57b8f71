package models

// Artifact label values used in Record.Targets.
const (
	LabelAbsent  = 0
	LabelPresent = 1
	LabelUnknown = -1
)

// Record is one ground-truth manifest row
type Record struct {
	// ParticipantID, SessionID, SeriesType and SeriesNumber identify the scan
	ParticipantID string
	SessionID     string
	SeriesType    string
	SeriesNumber  string

	// FilePath is the resolved image path
	FilePath string

	// Targets holds the ground truth laid out by the schema: regression values
	// first, then one artifact label per artifact (1, 0 or LabelUnknown)
	Targets []float64

	// Exists and Dimensions are derived during manifest validation
	Exists     bool
	Dimensions [3]int
}

// Quality returns the overall quality ground truth.
func (r Record) Quality() float64 {
	if len(r.Targets) == 0 {
		return 0
	}
	return r.Targets[0]
}
