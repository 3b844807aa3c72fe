package git

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrNotARepo is returned by Open when the directory has no git repository
var ErrNotARepo = errors.New("not a git repository")

// ErrRefNotFound is returned by RefSha when the reference does not exist
var ErrRefNotFound = errors.New("reference not found")

// Repo represents a Git repository
type Repo struct {
	path string
	repo *git.Repository
}

// FileStatus represents the status of a single file
type FileStatus struct {
	Path   string
	Status string // "modified", "added", "deleted", "untracked", etc.
}

// RepoStatus represents the current status of the repository
type RepoStatus struct {
	Branch    string
	Modified  []FileStatus
	Staged    []FileStatus
	Untracked []FileStatus
	IsClean   bool
}

// Open opens a git repository at the given path
func Open(path string) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotARepo, path)
		}
		return nil, fmt.Errorf("failed to open git repository: %w", err)
	}

	return &Repo{
		path: path,
		repo: repo,
	}, nil
}

// Root returns the repository working directory
func (r *Repo) Root() string {
	return r.path
}

// HeadSha returns the commit sha HEAD points at. An unborn HEAD (fresh
// repository with no commits) is reported as an error.
func (r *Repo) HeadSha() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// SetRef creates or moves a reference to the given commit sha
func (r *Repo) SetRef(name, sha string) error {
	ref := plumbing.NewHashReference(plumbing.ReferenceName(name), plumbing.NewHash(sha))
	if err := r.repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("failed to set ref %s: %w", name, err)
	}
	return nil
}

// RefSha resolves a reference name to a commit sha
func (r *Repo) RefSha(name string) (string, error) {
	ref, err := r.repo.Reference(plumbing.ReferenceName(name), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", fmt.Errorf("%w: %s", ErrRefNotFound, name)
		}
		return "", fmt.Errorf("failed to resolve ref %s: %w", name, err)
	}
	return ref.Hash().String(), nil
}

// DeleteRef removes a reference
func (r *Repo) DeleteRef(name string) error {
	if err := r.repo.Storer.RemoveReference(plumbing.ReferenceName(name)); err != nil {
		return fmt.Errorf("failed to delete ref %s: %w", name, err)
	}
	return nil
}

// RefsWithPrefix returns all references under the given prefix as a
// name-to-sha map
func (r *Repo) RefsWithPrefix(prefix string) (map[string]string, error) {
	iter, err := r.repo.References()
	if err != nil {
		return nil, fmt.Errorf("failed to list references: %w", err)
	}

	refs := make(map[string]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := string(ref.Name())
		if strings.HasPrefix(name, prefix) {
			refs[name] = ref.Hash().String()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate references: %w", err)
	}

	return refs, nil
}

// CommitParent returns the first parent of the given commit
func (r *Repo) CommitParent(sha string) (string, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return "", fmt.Errorf("failed to load commit %s: %w", sha, err)
	}
	if len(commit.ParentHashes) == 0 {
		return "", fmt.Errorf("commit %s has no parent", sha)
	}
	return commit.ParentHashes[0].String(), nil
}

// Status returns the current status of the repository
func (r *Repo) Status() (*RepoStatus, error) {
	worktree, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	branch, err := r.CurrentBranch()
	if err != nil {
		branch = "" // Branch might not exist yet (empty repo)
	}

	repoStatus := &RepoStatus{
		Branch:    branch,
		Modified:  make([]FileStatus, 0),
		Staged:    make([]FileStatus, 0),
		Untracked: make([]FileStatus, 0),
		IsClean:   status.IsClean(),
	}

	for path, fileStatus := range status {
		fs := FileStatus{Path: path}

		// Check staging area status
		if fileStatus.Staging != git.Unmodified && fileStatus.Staging != git.Untracked {
			fs.Status = mapStatusCode(fileStatus.Staging)
			repoStatus.Staged = append(repoStatus.Staged, fs)
		}

		// Check worktree status
		if fileStatus.Worktree == git.Untracked {
			fs.Status = "untracked"
			repoStatus.Untracked = append(repoStatus.Untracked, fs)
		} else if fileStatus.Worktree != git.Unmodified {
			fs.Status = mapStatusCode(fileStatus.Worktree)
			repoStatus.Modified = append(repoStatus.Modified, fs)
		}
	}

	return repoStatus, nil
}

// mapStatusCode converts go-git status codes to human-readable strings
func mapStatusCode(code git.StatusCode) string {
	switch code {
	case git.Unmodified:
		return "unmodified"
	case git.Untracked:
		return "untracked"
	case git.Modified:
		return "modified"
	case git.Added:
		return "added"
	case git.Deleted:
		return "deleted"
	case git.Renamed:
		return "renamed"
	case git.Copied:
		return "copied"
	case git.UpdatedButUnmerged:
		return "updated-but-unmerged"
	default:
		return "unknown"
	}
}

// CurrentBranch returns the name of the current branch
// Uses git command instead of go-git because go-git doesn't handle worktrees correctly
func (r *Repo) CurrentBranch() (string, error) {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = r.path

	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}

	branch := strings.TrimSpace(string(output))
	if branch == "HEAD" {
		return "", fmt.Errorf("HEAD is detached")
	}

	return branch, nil
}

// RunGitCommand executes a git command and returns the output
func (r *Repo) RunGitCommand(args ...string) (string, error) {
	return r.RunGitCommandEnv(nil, args...)
}

// RunGitCommandEnv executes a git command with extra environment variables
// appended to the inherited environment
func (r *Repo) RunGitCommandEnv(extraEnv []string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.path
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return "", fmt.Errorf("git command failed: %w, stderr: %s", err, stderr.String())
	}

	return strings.TrimSpace(stdout.String()), nil
}

// RunGitCommandCode executes a git command and returns trimmed output plus
// the exit code. A nonzero exit is not an error here; several git queries
// use the exit code as their answer.
func (r *Repo) RunGitCommandCode(args ...string) (string, int, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.path

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return strings.TrimSpace(stdout.String()), exitErr.ExitCode(), nil
		}
		return "", -1, fmt.Errorf("git command failed: %w", err)
	}

	return strings.TrimSpace(stdout.String()), 0, nil
}

// ResetHard resets the working tree and index to the given commit
func (r *Repo) ResetHard(sha string) error {
	if _, err := r.RunGitCommand("reset", "--hard", sha); err != nil {
		return fmt.Errorf("failed to reset to %s: %w", sha, err)
	}
	return nil
}

// CherryPick applies the changes of the given commit onto HEAD. A commit
// whose changes are already present is kept as a redundant commit instead
// of failing the pick.
func (r *Repo) CherryPick(sha string) error {
	if _, err := r.RunGitCommand("cherry-pick", "--keep-redundant-commits", sha); err != nil {
		return fmt.Errorf("failed to cherry-pick %s: %w", sha, err)
	}
	return nil
}

// CherryPickAbort cancels an in-progress cherry-pick and restores the
// pre-pick state
func (r *Repo) CherryPickAbort() error {
	if _, err := r.RunGitCommand("cherry-pick", "--abort"); err != nil {
		return fmt.Errorf("failed to abort cherry-pick: %w", err)
	}
	return nil
}

// DiffFromHead returns the full unified diff of the working tree against
// HEAD. On an unborn HEAD it falls back to the staged diff. Output is not
// trimmed so the patch stays byte-exact.
func (r *Repo) DiffFromHead() (string, error) {
	out, code, err := r.RunGitCommandRaw("diff", "HEAD")
	if err != nil {
		return "", err
	}
	if code != 0 {
		out, code, err = r.RunGitCommandRaw("diff", "--cached")
		if err != nil {
			return "", err
		}
		if code != 0 {
			return "", fmt.Errorf("failed to compute diff")
		}
	}
	return out, nil
}

// RunGitCommandRaw executes a git command and returns untrimmed stdout with
// the exit code. Needed where output is NUL-separated or whitespace matters.
func (r *Repo) RunGitCommandRaw(args ...string) (string, int, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.path

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), exitErr.ExitCode(), nil
		}
		return "", -1, fmt.Errorf("git command failed: %w", err)
	}

	return stdout.String(), 0, nil
}
