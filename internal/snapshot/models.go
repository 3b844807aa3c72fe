// internal/snapshot/models.go
package snapshot

import (
	"fmt"

	"rewind/internal/timeline"
)

// Ref namespaces for checkpoint commits. Readers consult both: new refs go
// under steps, older installations stored them under checkpoints.
const (
	RefPrefix       = "refs/rewind/steps"
	LegacyRefPrefix = "refs/rewind/checkpoints"
)

// Result describes a created checkpoint commit
type Result struct {
	Sha     string                `json:"sha"`
	Ref     string                `json:"ref"`
	Message string                `json:"message"`
	Files   []timeline.FileChange `json:"files"`
}

// StepRef pairs a step id with its checkpoint commit
type StepRef struct {
	ID  int    `json:"id"`
	Sha string `json:"sha"`
}

// StepRefName returns the current-namespace ref name for a step id
func StepRefName(id int) string {
	return fmt.Sprintf("%s/%d", RefPrefix, id)
}

// LegacyRefName returns the legacy-namespace ref name for a step id
func LegacyRefName(id int) string {
	return fmt.Sprintf("%s/%d", LegacyRefPrefix, id)
}
