// internal/detect/detector.go
package detect

import (
	"fmt"
	"strconv"
	"strings"

	"rewind/internal/git"
	"rewind/internal/timeline"
)

// Detector classifies working-tree differences against a reference point.
// All methods are read-only inspection.
type Detector struct {
	repo *git.Repo
}

// LineStat holds line-level counts for one file. Additions and Deletions
// are nil for binary files.
type LineStat struct {
	Path      string `json:"path"`
	Additions *int   `json:"additions,omitempty"`
	Deletions *int   `json:"deletions,omitempty"`
}

// New creates a detector over an open repository
func New(repo *git.Repo) *Detector {
	return &Detector{repo: repo}
}

// IsDirtyFrom reports whether the working tree differs from the given base
// commit: HEAD moved, or there are unstaged, staged, or untracked changes.
// An undeterminable state (no HEAD) counts as dirty.
func (d *Detector) IsDirtyFrom(baseSha string) bool {
	head, err := d.repo.HeadSha()
	if err != nil {
		return true // can't determine, assume dirty
	}
	if head != baseSha {
		return true
	}
	return d.HasUncommittedChanges()
}

// HasUncommittedChanges reports whether there are unstaged or staged
// changes, or untracked files
func (d *Detector) HasUncommittedChanges() bool {
	if _, code, err := d.repo.RunGitCommandCode("diff", "--quiet"); err != nil || code != 0 {
		return true
	}
	if _, code, err := d.repo.RunGitCommandCode("diff", "--cached", "--quiet"); err != nil || code != 0 {
		return true
	}
	out, code, err := d.repo.RunGitCommandCode("ls-files", "--others", "--exclude-standard")
	if err != nil || code != 0 {
		return true
	}
	return strings.TrimSpace(out) != ""
}

// CurrentHeadSha returns the sha HEAD points at
func (d *Detector) CurrentHeadSha() (string, error) {
	return d.repo.HeadSha()
}

// ChangedFiles returns the working-tree changes as typed file entries.
// Rename pairs collapse to a single renamed entry carrying the new path.
func (d *Detector) ChangedFiles() ([]timeline.FileChange, error) {
	out, code, err := d.repo.RunGitCommandRaw("status", "--porcelain", "-z")
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	if code != 0 || out == "" {
		return []timeline.FileChange{}, nil
	}

	changes := []timeline.FileChange{}
	parts := strings.Split(out, "\x00")
	i := 0
	for i < len(parts) {
		part := parts[i]
		if len(part) < 3 {
			i++
			continue
		}

		xy := strings.TrimSpace(part[:2])
		path := part[3:]

		// Renames occupy two fields: "R  <new>" then the origin path
		if strings.HasPrefix(xy, "R") && i+1 < len(parts) {
			changes = append(changes, timeline.FileChange{Path: path, Status: timeline.StatusRenamed})
			i += 2
			continue
		}

		changes = append(changes, timeline.FileChange{Path: path, Status: mapPorcelainCode(xy)})
		i++
	}

	return changes, nil
}

// mapPorcelainCode converts a porcelain XY code into the journal status
// vocabulary
func mapPorcelainCode(code string) string {
	switch {
	case code == "??":
		return timeline.StatusUntracked
	case strings.HasPrefix(code, "R"):
		return timeline.StatusRenamed
	case strings.HasPrefix(code, "A"):
		return timeline.StatusAdded
	case strings.HasPrefix(code, "D"):
		return timeline.StatusDeleted
	default:
		return timeline.StatusModified
	}
}

// Numstat returns line-level statistics against the given base commit.
// Binary files are reported with nil counts rather than failing the scan.
func (d *Detector) Numstat(baseSha string) ([]LineStat, error) {
	out, code, err := d.repo.RunGitCommandCode("diff", "--numstat", baseSha)
	if err != nil {
		return nil, fmt.Errorf("failed to read numstat: %w", err)
	}
	if code != 0 {
		return []LineStat{}, nil
	}

	stats := []LineStat{}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 3 {
			continue
		}

		stat := LineStat{Path: parts[2]}
		if parts[0] != "-" {
			if n, err := strconv.Atoi(parts[0]); err == nil {
				stat.Additions = &n
			}
		}
		if parts[1] != "-" {
			if n, err := strconv.Atoi(parts[1]); err == nil {
				stat.Deletions = &n
			}
		}
		stats = append(stats, stat)
	}

	return stats, nil
}

// ChangeSummary returns a one-line count of current changes, for generated
// snapshot messages
func (d *Detector) ChangeSummary() string {
	changes, err := d.ChangedFiles()
	if err != nil {
		return "No changes"
	}
	return Summarize(changes)
}

// Summarize formats a one-line count of an already-detected change list
func Summarize(changes []timeline.FileChange) string {
	if len(changes) == 0 {
		return "No changes"
	}

	var modified, added, deleted, renamed int
	for _, c := range changes {
		switch c.Status {
		case timeline.StatusModified:
			modified++
		case timeline.StatusAdded, timeline.StatusUntracked:
			added++
		case timeline.StatusDeleted:
			deleted++
		case timeline.StatusRenamed:
			renamed++
		}
	}

	parts := []string{}
	if modified > 0 {
		parts = append(parts, fmt.Sprintf("%d modified", modified))
	}
	if added > 0 {
		parts = append(parts, fmt.Sprintf("%d added", added))
	}
	if deleted > 0 {
		parts = append(parts, fmt.Sprintf("%d deleted", deleted))
	}
	if renamed > 0 {
		parts = append(parts, fmt.Sprintf("%d renamed", renamed))
	}

	return fmt.Sprintf("%d files changed: %s", len(changes), strings.Join(parts, ", "))
}
