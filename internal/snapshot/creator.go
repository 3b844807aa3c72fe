// internal/snapshot/creator.go
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"rewind/internal/detect"
	"rewind/internal/git"
	"rewind/internal/timeline"
)

// Creator builds checkpoint commits of the working tree through a
// disposable index, so the caller's real staging area is never read or
// written.
type Creator struct {
	repo     *git.Repo
	detector *detect.Detector
	tmpDir   string
}

// NewCreator creates a snapshot creator. Temp indexes are allocated under
// tmpDir with unique names, so concurrent invocations cannot collide.
func NewCreator(repo *git.Repo, detector *detect.Detector, tmpDir string) *Creator {
	return &Creator{
		repo:     repo,
		detector: detector,
		tmpDir:   tmpDir,
	}
}

// Create builds a checkpoint commit reflecting the current working tree.
// A nil changes slice means detect them here. Returns (nil, nil) when there
// is nothing to snapshot; an empty commit is never created.
func (c *Creator) Create(parentSha, message, actor string, changes []timeline.FileChange) (*Result, error) {
	if changes == nil {
		detected, err := c.detector.ChangedFiles()
		if err != nil {
			return nil, fmt.Errorf("failed to detect changes: %w", err)
		}
		changes = detected
	}
	if len(changes) == 0 {
		return nil, nil
	}

	indexPath, err := c.tempIndexPath()
	if err != nil {
		return nil, err
	}
	defer os.Remove(indexPath)

	env := []string{"GIT_INDEX_FILE=" + indexPath}
	if actor != "" {
		env = append(env, "GIT_AUTHOR_NAME="+actor)
	}

	// Seed the index from HEAD's tree. Failure means an unborn HEAD, which
	// leaves the index empty and is fine for a first checkpoint.
	c.repo.RunGitCommandEnv(env, "read-tree", "HEAD")

	if err := c.stageChanges(env, changes); err != nil {
		return nil, err
	}

	treeSha, err := c.repo.RunGitCommandEnv(env, "write-tree")
	if err != nil {
		return nil, fmt.Errorf("failed to write tree: %w", err)
	}

	args := []string{"commit-tree", treeSha, "-m", message}
	if parentSha != "" {
		args = []string{"commit-tree", treeSha, "-p", parentSha, "-m", message}
	}
	commitSha, err := c.repo.RunGitCommandEnv(env, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create commit: %w", err)
	}

	return &Result{
		Sha:     commitSha,
		Ref:     fmt.Sprintf("%s/%s", RefPrefix, commitSha[:8]),
		Message: message,
		Files:   c.withLineStats(changes),
	}, nil
}

// stageChanges reflects each change into the temp index
func (c *Creator) stageChanges(env []string, changes []timeline.FileChange) error {
	for _, change := range changes {
		if change.Status == timeline.StatusDeleted {
			// The path may already be absent from the seeded index
			if _, err := c.repo.RunGitCommandEnv(env, "rm", "--cached", "--ignore-unmatch", "--", change.Path); err != nil {
				return fmt.Errorf("failed to unstage %s: %w", change.Path, err)
			}
			continue
		}
		if _, err := c.repo.RunGitCommandEnv(env, "add", "--", change.Path); err != nil {
			return fmt.Errorf("failed to stage %s: %w", change.Path, err)
		}
	}
	return nil
}

// withLineStats copies the change list, filling best-effort line counts for
// modified and added text files
func (c *Creator) withLineStats(changes []timeline.FileChange) []timeline.FileChange {
	out := make([]timeline.FileChange, len(changes))
	copy(out, changes)

	for i := range out {
		if out[i].Status != timeline.StatusModified && out[i].Status != timeline.StatusAdded {
			continue
		}
		line, code, err := c.repo.RunGitCommandCode("diff", "--numstat", "--", out[i].Path)
		if err != nil || code != 0 || line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 2 {
			continue
		}
		if parts[0] != "-" {
			if n, err := strconv.Atoi(parts[0]); err == nil {
				out[i].Additions = &n
			}
		}
		if parts[1] != "-" {
			if n, err := strconv.Atoi(parts[1]); err == nil {
				out[i].Deletions = &n
			}
		}
	}

	return out
}

// tempIndexPath reserves a unique index path under the tmp dir
func (c *Creator) tempIndexPath() (string, error) {
	if err := os.MkdirAll(c.tmpDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create tmp dir: %w", err)
	}
	return filepath.Join(c.tmpDir, "index-"+uuid.New().String()), nil
}

// StoreRef records the checkpoint commit for a step id in the current
// namespace
func (c *Creator) StoreRef(stepID int, sha string) error {
	return c.repo.SetRef(StepRefName(stepID), sha)
}

// RefSha resolves a step id to its checkpoint commit
func (c *Creator) RefSha(stepID int) (string, error) {
	return c.repo.RefSha(StepRefName(stepID))
}

// DeleteRef removes a step's ref
func (c *Creator) DeleteRef(stepID int) error {
	return c.repo.DeleteRef(StepRefName(stepID))
}

// ListStepRefs returns all step refs sorted ascending by id
func (c *Creator) ListStepRefs() ([]StepRef, error) {
	refs, err := c.repo.RefsWithPrefix(RefPrefix + "/")
	if err != nil {
		return nil, err
	}

	out := []StepRef{}
	for name, sha := range refs {
		idStr := name[strings.LastIndex(name, "/")+1:]
		id, err := strconv.Atoi(idStr)
		if err != nil {
			continue
		}
		out = append(out, StepRef{ID: id, Sha: sha})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}
