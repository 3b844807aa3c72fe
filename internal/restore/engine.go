// internal/restore/engine.go
package restore

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"rewind/internal/detect"
	"rewind/internal/git"
	"rewind/internal/snapshot"
	"rewind/internal/timeline"
)

// ErrCheckpointUnresolvable is returned when an entry has no recorded sha
// and neither reference namespace knows its id.
var ErrCheckpointUnresolvable = errors.New("checkpoint unresolvable")

// Outcome statuses. Aborted and conflict are designed terminal states, not
// errors: the caller gets a description of where the tree ended up.
const (
	StatusReverted = "reverted"
	StatusAborted  = "aborted"
	StatusReplayed = "replayed"
	StatusConflict = "conflict"
)

// Outcome describes how a revert or replay finished. Applied lists the step
// ids that made it onto the tree, in order. ConflictStep is set only for
// conflict outcomes.
type Outcome struct {
	Status       string `json:"status"`
	Sha          string `json:"sha,omitempty"`
	Target       int    `json:"target"`
	ConflictStep int    `json:"conflict_step,omitempty"`
	Applied      []int  `json:"applied,omitempty"`
}

// Engine moves the working tree between checkpoints. It never mutates the
// journal; revert and replay change the tree only.
type Engine struct {
	repo     *git.Repo
	detector *detect.Detector
	store    *timeline.Store
}

// NewEngine creates a restore engine over the shared repository and journal
func NewEngine(repo *git.Repo, detector *detect.Detector, store *timeline.Store) *Engine {
	return &Engine{
		repo:     repo,
		detector: detector,
		store:    store,
	}
}

// Revert hard-resets the working tree and index to the entry's checkpoint.
// A dirty tree without confirm returns an aborted outcome and leaves the
// tree untouched.
func (e *Engine) Revert(id int, confirm bool) (*Outcome, error) {
	entry, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}

	sha, err := e.resolveCheckpoint(entry)
	if err != nil {
		return nil, err
	}

	if !confirm && e.detector.HasUncommittedChanges() {
		return &Outcome{Status: StatusAborted, Target: id}, nil
	}

	if err := e.resetPreservingJournal(sha); err != nil {
		return nil, err
	}

	log.Printf("Reverted to checkpoint #%d (%s). Installed dependencies may be out of sync with the restored tree; rerun your package manager's install step.", id, shortSha(sha))

	return &Outcome{Status: StatusReverted, Sha: sha, Target: id}, nil
}

// Undo reverts to the state immediately before the most recent checkpoint,
// resolved through the checkpoint commit's own first-parent link.
func (e *Engine) Undo(confirm bool) (*Outcome, error) {
	latest, err := e.store.List(1, "", "")
	if err != nil {
		return nil, err
	}
	if len(latest) == 0 {
		return nil, fmt.Errorf("no checkpoints to undo")
	}
	lastID := latest[0].ID

	entry, err := e.store.Get(lastID)
	if err != nil {
		return nil, err
	}
	sha, err := e.resolveCheckpoint(entry)
	if err != nil {
		return nil, err
	}

	parent, err := e.repo.CommitParent(sha)
	if err != nil {
		return nil, fmt.Errorf("cannot find parent of checkpoint #%d: %w", lastID, err)
	}

	if !confirm && e.detector.HasUncommittedChanges() {
		return &Outcome{Status: StatusAborted, Target: lastID}, nil
	}

	if err := e.resetPreservingJournal(parent); err != nil {
		return nil, err
	}

	log.Printf("Undid checkpoint #%d. Installed dependencies may be out of sync with the restored tree; rerun your package manager's install step.", lastID)

	return &Outcome{Status: StatusReverted, Sha: parent, Target: lastID}, nil
}

// Replay reverts to the target checkpoint and then reapplies later steps
// whose actor equals actorFilter, ascending by id, each as a cherry-pick of
// its checkpoint commit. untilID bounds the replayed range when positive. A
// step that no longer applies cleanly aborts the pick and ends the replay
// there; earlier applied steps stay applied.
func (e *Engine) Replay(target int, actorFilter string, untilID int, confirm bool) (*Outcome, error) {
	reverted, err := e.Revert(target, confirm)
	if err != nil {
		return nil, err
	}
	if reverted.Status == StatusAborted {
		return reverted, nil
	}

	entries, err := e.store.All()
	if err != nil {
		return nil, err
	}

	steps := []*timeline.Entry{}
	for _, entry := range entries {
		if entry.ID <= target {
			continue
		}
		if untilID > 0 && entry.ID > untilID {
			continue
		}
		if entry.Actor != actorFilter {
			continue
		}
		steps = append(steps, entry)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].ID < steps[j].ID })

	applied := []int{}
	for _, step := range steps {
		sha, err := e.resolveCheckpoint(step)
		if err != nil {
			return nil, err
		}
		if err := e.repo.CherryPick(sha); err != nil {
			if abortErr := e.repo.CherryPickAbort(); abortErr != nil {
				log.Printf("cherry-pick abort after conflict on step #%d failed: %v", step.ID, abortErr)
			}
			return &Outcome{
				Status:       StatusConflict,
				Sha:          reverted.Sha,
				Target:       target,
				ConflictStep: step.ID,
				Applied:      applied,
			}, nil
		}
		applied = append(applied, step.ID)
	}

	return &Outcome{
		Status:  StatusReplayed,
		Sha:     reverted.Sha,
		Target:  target,
		Applied: applied,
	}, nil
}

// resolveCheckpoint prefers the sha recorded on the entry, then the current
// reference namespace, then the legacy one.
func (e *Engine) resolveCheckpoint(entry *timeline.Entry) (string, error) {
	if entry.CheckpointSha != "" {
		return entry.CheckpointSha, nil
	}
	if sha, err := e.repo.RefSha(snapshot.StepRefName(entry.ID)); err == nil {
		return sha, nil
	}
	if sha, err := e.repo.RefSha(snapshot.LegacyRefName(entry.ID)); err == nil {
		return sha, nil
	}
	return "", fmt.Errorf("checkpoint #%d: %w", entry.ID, ErrCheckpointUnresolvable)
}

// resetPreservingJournal hard-resets to sha with the journal bytes backed
// up around the reset. Reverting must never discard the history of the
// revert itself, even if the data directory is tracked.
func (e *Engine) resetPreservingJournal(sha string) error {
	journalPath := e.store.JournalPath()
	backup, err := os.ReadFile(journalPath)
	hasBackup := err == nil

	if err := e.repo.ResetHard(sha); err != nil {
		return err
	}

	if hasBackup {
		if err := os.MkdirAll(filepath.Dir(journalPath), 0755); err != nil {
			return fmt.Errorf("restore journal dir: %w", err)
		}
		if err := os.WriteFile(journalPath, backup, 0644); err != nil {
			return fmt.Errorf("restore journal after reset: %w", err)
		}
	}
	return nil
}

func shortSha(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
