package models

import "fmt"

// Field binds one regression output to the manifest column holding its ground truth.
type Field struct {
	// Name is the key used in labeled inference results
	Name string

	// Column is the manifest column carrying the target value
	Column string
}

// Schema is the versioned layout of a prediction vector. The same value is
// shared by the manifest reader, the loss and the inference labeler so that
// output positions and column order cannot drift apart.
type Schema struct {
	// Version names the layout and is stored in checkpoints
	Version string

	// Regression lists the continuous outputs; element 0 is always overall quality
	Regression []Field

	// Artifacts lists the binary artifact indicators in output order
	Artifacts []string
}

// DefaultArtifacts is the tracked artifact order of both built-in schemas.
var DefaultArtifacts = []string{
	"normal_variants",
	"lesions",
	"full_brain_coverage",
	"misalignment",
	"swap_wraparound",
	"ghosting_motion",
	"inhomogeneity",
	"susceptibility_metal",
	"flow_artifact",
	"truncation_artifact",
}

// SchemaT1 predicts overall quality, SNR and CNR followed by the artifacts.
var SchemaT1 = Schema{
	Version: "miqaT1",
	Regression: []Field{
		{Name: "overall_quality", Column: "overall_qa_assessment"},
		{Name: "signal_to_noise_ratio", Column: "snr"},
		{Name: "contrast_to_noise_ratio", Column: "cnr"},
	},
	Artifacts: DefaultArtifacts,
}

// SchemaMix predicts overall quality followed by the artifacts.
var SchemaMix = Schema{
	Version: "miqaMix",
	Regression: []Field{
		{Name: "overall_quality", Column: "overall_qa_assessment"},
	},
	Artifacts: DefaultArtifacts,
}

// SchemaByVersion resolves a built-in schema.
func SchemaByVersion(version string) (Schema, error) {
	switch version {
	case SchemaT1.Version:
		return SchemaT1, nil
	case SchemaMix.Version:
		return SchemaMix, nil
	}
	return Schema{}, fmt.Errorf("unknown schema %q", version)
}

// Width is the length of a prediction vector.
func (s Schema) Width() int {
	return len(s.Regression) + len(s.Artifacts)
}

// ArtifactOffset is the position of the first artifact indicator.
func (s Schema) ArtifactOffset() int {
	return len(s.Regression)
}

// Names returns every output name in vector order.
func (s Schema) Names() []string {
	names := make([]string, 0, s.Width())
	for _, f := range s.Regression {
		names = append(names, f.Name)
	}
	return append(names, s.Artifacts...)
}
