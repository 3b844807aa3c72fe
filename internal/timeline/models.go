// internal/timeline/models.go
package timeline

// Actor values recorded on journal entries
const (
	ActorAssistant = "assistant"
	ActorUser      = "user"
)

// FileChange status vocabulary
const (
	StatusModified  = "modified"
	StatusAdded     = "added"
	StatusDeleted   = "deleted"
	StatusRenamed   = "renamed"
	StatusUntracked = "untracked"
)

// FileChange describes one file touched by a step. Additions and Deletions
// are nil for binary files, where line counts do not apply.
type FileChange struct {
	Path      string `json:"path"`
	Status    string `json:"status"`
	Additions *int   `json:"additions,omitempty"`
	Deletions *int   `json:"deletions,omitempty"`
}

// Entry is one journal row. Prompt holds only the truncated inline copy;
// the full text lives in the side file named by PromptRef.
type Entry struct {
	ID            int          `json:"id"`
	Ts            string       `json:"ts"`
	Actor         string       `json:"actor"`
	CheckpointSha string       `json:"checkpoint_sha"`
	CheckpointRef string       `json:"checkpoint_ref"`
	ParentSha     *string      `json:"parent_sha,omitempty"`
	Files         []FileChange `json:"files"`
	Prompt        string       `json:"prompt,omitempty"`
	PromptRef     string       `json:"prompt_ref,omitempty"`
	Message       string       `json:"message,omitempty"`
	Session       string       `json:"session,omitempty"`
	Labels        []string     `json:"labels"`
	Notes         string       `json:"notes"`
	DiffPath      string       `json:"diff_path,omitempty"`
}

// Summary is the token-efficient row returned by List and Search
type Summary struct {
	ID            int          `json:"id"`
	Ts            string       `json:"ts"`
	Actor         string       `json:"actor"`
	PromptSnippet string       `json:"prompt_snippet"`
	Files         []FileChange `json:"files"`
	Labels        []string     `json:"labels"`
}

// AppendParams carries everything recorded for one new entry
type AppendParams struct {
	Actor         string
	CheckpointSha string
	ParentSha     string // empty means no parent
	Files         []FileChange
	Prompt        string // assistant steps, full text
	Message       string // user steps
	Session       string
	Diff          string // full unified diff, stored as a side file when non-empty
}

// normalize fills defaults on entries written by earlier versions. The stored
// record is never rewritten; defaulting happens on every read.
func normalize(e *Entry) *Entry {
	if e.Actor == "" {
		e.Actor = ActorAssistant
	}
	if e.Files == nil {
		e.Files = []FileChange{}
	}
	if e.Labels == nil {
		e.Labels = []string{}
	}
	return e
}

// snippet returns the first n characters of the entry's prompt or message
func (e *Entry) snippet(n int) string {
	text := e.Prompt
	if text == "" {
		text = e.Message
	}
	if len(text) > n {
		return text[:n]
	}
	return text
}
