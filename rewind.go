// Package rewind records the step-by-step evolution of a repository during
// an AI-assisted coding session. Every step is captured as a dangling
// checkpoint commit plus one line in an append-only journal, and any
// recorded step can later be inspected, exported, reverted to, or replayed
// on top of.
package rewind

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"rewind/internal/config"
	"rewind/internal/detect"
	"rewind/internal/git"
	"rewind/internal/restore"
	"rewind/internal/snapshot"
	"rewind/internal/state"
	"rewind/internal/timeline"
)

// Session binds the collaborators for one repository
type Session struct {
	cfg      *config.Config
	repo     *git.Repo
	detector *detect.Detector
	creator  *snapshot.Creator
	store    *timeline.Store
	state    *state.Manager
	engine   *restore.Engine
}

// RecordParams describes one step to capture end to end
type RecordParams struct {
	Actor   string
	Prompt  string // assistant steps, full text
	Message string // user steps
	Session string
}

// RecordResult describes a fully captured step
type RecordResult struct {
	ID    int                   `json:"id"`
	Sha   string                `json:"sha"`
	Ref   string                `json:"ref"`
	Files []timeline.FileChange `json:"files"`
}

// Open starts a session on the repository at dir, applying overrides from
// its optional config file. Returns git.ErrNotARepo when dir has no
// repository.
func Open(dir string) (*Session, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return OpenWithConfig(dir, cfg)
}

// OpenWithConfig starts a session with an explicit configuration. A nil cfg
// means defaults.
func OpenWithConfig(dir string, cfg *config.Config) (*Session, error) {
	if cfg == nil {
		cfg = config.Default(dir)
	}

	repo, err := git.Open(dir)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to prepare data directory: %w", err)
	}

	detector := detect.New(repo)
	store := timeline.NewStore(cfg.TimelinePath(), cfg.PromptsPath(), cfg.DiffsPath(), snapshot.RefPrefix)

	return &Session{
		cfg:      cfg,
		repo:     repo,
		detector: detector,
		creator:  snapshot.NewCreator(repo, detector, cfg.TmpPath()),
		store:    store,
		state:    state.NewManager(cfg.StatePath(), cfg.LockPath(), cfg.LockTimeout),
		engine:   restore.NewEngine(repo, detector, store),
	}, nil
}

// Root returns the repository working directory
func (s *Session) Root() string {
	return s.repo.Root()
}

// DetectChanges returns the current working-tree changes
func (s *Session) DetectChanges() ([]timeline.FileChange, error) {
	return s.detector.ChangedFiles()
}

// IsDirtyFrom reports whether the working tree differs from the given base
// commit
func (s *Session) IsDirtyFrom(baseSha string) bool {
	return s.detector.IsDirtyFrom(baseSha)
}

// ChangeSummary returns a one-line count of current changes
func (s *Session) ChangeSummary() string {
	return s.detector.ChangeSummary()
}

// DiffFromHead returns the full unified diff of the working tree against
// HEAD, for callers composing Snapshot and Append themselves
func (s *Session) DiffFromHead() (string, error) {
	return s.repo.DiffFromHead()
}

// Snapshot creates a checkpoint commit of the working tree without touching
// the journal. A nil changes slice means detect them here; (nil, nil) means
// there was nothing to snapshot.
func (s *Session) Snapshot(parentSha, message, actor string, changes []timeline.FileChange) (*snapshot.Result, error) {
	return s.creator.Create(parentSha, message, actor, changes)
}

// Append writes one journal entry and returns its id
func (s *Session) Append(p timeline.AppendParams) (int, error) {
	return s.store.Append(p)
}

// Record captures the current working tree as one journal step: snapshot,
// journal entry with side files, step ref, and last-step state in a single
// call. Returns (nil, nil) when the tree has no changes to record.
func (s *Session) Record(p RecordParams) (*RecordResult, error) {
	changes, err := s.detector.ChangedFiles()
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}

	parentSha := s.lastCheckpointSha()
	message := "checkpoint: " + detect.Summarize(changes)

	result, err := s.creator.Create(parentSha, message, p.Actor, changes)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	// The step's own change-set, parent checkpoint to checkpoint. Best
	// effort; a step without a stored diff is still fully usable.
	diff := ""
	if out, code, err := s.repo.RunGitCommandRaw("diff-tree", "--no-commit-id", "--root", "-p", result.Sha); err == nil && code == 0 {
		diff = out
	}

	id, err := s.store.Append(timeline.AppendParams{
		Actor:         p.Actor,
		CheckpointSha: result.Sha,
		ParentSha:     parentSha,
		Files:         result.Files,
		Prompt:        p.Prompt,
		Message:       p.Message,
		Session:       p.Session,
		Diff:          diff,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append journal entry for checkpoint %s: %w", result.Sha, err)
	}

	// The entry carries the sha inline, so a failed ref or state write
	// leaves the step fully restorable.
	if err := s.creator.StoreRef(id, result.Sha); err != nil {
		log.Printf("Warning: failed to store step ref for entry %d: %v", id, err)
	}
	if err := s.state.UpdateLastStep(result.Sha, id); err != nil {
		log.Printf("Warning: failed to update state for entry %d: %v", id, err)
	}

	return &RecordResult{
		ID:    id,
		Sha:   result.Sha,
		Ref:   snapshot.StepRefName(id),
		Files: result.Files,
	}, nil
}

// List returns entry summaries newest first, optionally filtered by a text
// query and actor. A non-positive limit uses the configured default.
func (s *Session) List(limit int, query, actor string) ([]timeline.Summary, error) {
	if limit <= 0 {
		limit = s.cfg.ListLimit
	}
	return s.store.List(limit, query, actor)
}

// Get returns one entry by id
func (s *Session) Get(id int) (*timeline.Entry, error) {
	return s.store.Get(id)
}

// GetPrompt returns a window of the entry's full prompt text
func (s *Session) GetPrompt(id, maxChars, offset int) (string, error) {
	return s.store.GetPrompt(id, maxChars, offset)
}

// GetDiff returns a window of the entry's diff, optionally narrowed to one
// file
func (s *Session) GetDiff(id, maxLines, offsetLines int, file string) (string, error) {
	return s.store.GetDiff(id, maxLines, offsetLines, file)
}

// Label adds a label to an entry. Adding a label twice keeps one occurrence.
func (s *Session) Label(id int, label string) error {
	return s.store.AddLabel(id, label)
}

// Search returns entries matching the query, bounded by the configured
// search limit
func (s *Session) Search(query string) ([]timeline.Summary, error) {
	return s.store.List(s.cfg.SearchLimit, query, "")
}

// Doctor reports installation and journal health problems. An empty result
// means healthy.
func (s *Session) Doctor() []string {
	issues := []string{}

	if _, err := os.Stat(s.cfg.DataDir); os.IsNotExist(err) {
		issues = append(issues, fmt.Sprintf("Data directory does not exist: %s", s.cfg.DataDir))
	}

	ids := []int{}
	for _, prefix := range []string{snapshot.RefPrefix, snapshot.LegacyRefPrefix} {
		refs, err := s.repo.RefsWithPrefix(prefix + "/")
		if err != nil {
			issues = append(issues, fmt.Sprintf("Cannot list checkpoint refs: %v", err))
			continue
		}
		for name := range refs {
			id, err := strconv.Atoi(name[strings.LastIndex(name, "/")+1:])
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
	}

	return append(issues, s.store.Doctor(ids)...)
}

// Export writes an entry's prompt, diff, metadata, and a compressed bundle
// into dir, defaulting to export-<id> under the repository root. Returns
// the directory written.
func (s *Session) Export(id int, dir string) (string, error) {
	if dir == "" {
		dir = filepath.Join(s.repo.Root(), fmt.Sprintf("export-%05d", id))
	}
	return s.store.Export(id, dir)
}

// Revert resets the working tree to the given entry's checkpoint. A dirty
// tree without confirm aborts with a non-error Outcome.
func (s *Session) Revert(id int, confirm bool) (*restore.Outcome, error) {
	return s.engine.Revert(id, confirm)
}

// Undo resets the working tree to the state before the newest entry
func (s *Session) Undo(confirm bool) (*restore.Outcome, error) {
	return s.engine.Undo(confirm)
}

// Replay reverts to the given entry and re-applies later steps whose actor
// equals actorFilter in id order, up to untilID when positive. A conflicting
// step stops the replay and is reported in the Outcome, keeping earlier
// applied steps in place.
func (s *Session) Replay(id int, actorFilter string, untilID int, confirm bool) (*restore.Outcome, error) {
	return s.engine.Replay(id, actorFilter, untilID, confirm)
}

// State returns the recorded last-step state. Missing or unreadable state
// degrades to the empty state.
func (s *Session) State() *state.State {
	return s.state.Load()
}

// UpdateLastStep records the last captured step under the state lock
func (s *Session) UpdateLastStep(sha string, id int) error {
	return s.state.UpdateLastStep(sha, id)
}

// ClearState removes the state file
func (s *Session) ClearState() error {
	return s.state.Clear()
}

// StoreStepRef records the checkpoint commit for a step id
func (s *Session) StoreStepRef(id int, sha string) error {
	return s.creator.StoreRef(id, sha)
}

// ListStepRefs returns all step refs in the current namespace sorted by id
func (s *Session) ListStepRefs() ([]snapshot.StepRef, error) {
	return s.creator.ListStepRefs()
}

// lastCheckpointSha resolves the newest entry's checkpoint commit, for
// parent chaining. The chain starts at HEAD, so undoing the first step
// lands on the commit the session began from. Empty only when even HEAD
// is unborn.
func (s *Session) lastCheckpointSha() string {
	entries, err := s.store.All()
	if err == nil && len(entries) > 0 {
		last := entries[len(entries)-1]
		if last.CheckpointSha != "" {
			return last.CheckpointSha
		}
		if sha, err := s.repo.RefSha(snapshot.StepRefName(last.ID)); err == nil {
			return sha
		}
		if sha, err := s.repo.RefSha(snapshot.LegacyRefName(last.ID)); err == nil {
			return sha
		}
	}

	head, err := s.repo.HeadSha()
	if err != nil {
		return ""
	}
	return head
}
