package manifest

import (
	"fmt"
	"strings"
)

// ManifestError reports a malformed manifest: a missing required column or
// a cell that cannot be parsed.
type ManifestError struct {
	Path   string
	Line   int
	Column string
	Msg    string
}

func (e *ManifestError) Error() string {
	var b strings.Builder
	b.WriteString("manifest")
	if e.Path != "" {
		b.WriteString(" " + e.Path)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " line %d", e.Line)
	}
	if e.Column != "" {
		fmt.Fprintf(&b, " column %q", e.Column)
	}
	return b.String() + ": " + e.Msg
}

// Problem is one image that failed the integrity check.
type Problem struct {
	// Row is the zero-based record index within its manifest
	Row  int
	Path string
	Err  error
}

// FileIntegrityError lists every referenced image that is missing or does
// not decode to a 3D volume with nonzero extent.
type FileIntegrityError struct {
	Problems []Problem
}

func (e *FileIntegrityError) Error() string {
	if len(e.Problems) == 1 {
		p := e.Problems[0]
		return fmt.Sprintf("file integrity check failed for %s: %v", p.Path, p.Err)
	}
	paths := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		paths = append(paths, p.Path)
	}
	return fmt.Sprintf("file integrity check failed for %d images: %s", len(e.Problems), strings.Join(paths, ", "))
}

// Paths returns the failing paths in record order.
func (e *FileIntegrityError) Paths() []string {
	paths := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		paths[i] = p.Path
	}
	return paths
}
