package rewind

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"rewind/internal/config"
	"rewind/internal/git"
	"rewind/internal/restore"
	"rewind/internal/timeline"
)

// setupTestRepo creates a temporary git repository for testing
func setupTestRepo(t *testing.T) (string, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "rewind-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}

	cleanup := func() {
		os.RemoveAll(tmpDir)
	}

	for _, args := range [][]string{
		{"init"},
		{"config", "user.name", "Test User"},
		{"config", "user.email", "test@example.com"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = tmpDir
		if err := cmd.Run(); err != nil {
			cleanup()
			t.Fatalf("Failed to run git %v: %v", args, err)
		}
	}

	return tmpDir, cleanup
}

// commitFile creates a file and commits it
func commitFile(t *testing.T, repoPath, filename, content string) {
	t.Helper()

	if err := os.WriteFile(filepath.Join(repoPath, filename), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	for _, args := range [][]string{
		{"add", filename},
		{"commit", "-m", "Add " + filename},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		if err := cmd.Run(); err != nil {
			t.Fatalf("Failed to run git %v: %v", args, err)
		}
	}
}

func writeFile(t *testing.T, repoPath, filename, content string) {
	t.Helper()

	if err := os.WriteFile(filepath.Join(repoPath, filename), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
}

func readFile(t *testing.T, repoPath, filename string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(repoPath, filename))
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	return string(data)
}

func openSession(t *testing.T, repoPath string) *Session {
	t.Helper()

	session, err := Open(repoPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return session
}

func TestOpen_NotARepo(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "rewind-norepo-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	if _, err := Open(tmpDir); !errors.Is(err, git.ErrNotARepo) {
		t.Errorf("Expected ErrNotARepo, got %v", err)
	}
}

func TestOpen_PreparesDataDir(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()
	commitFile(t, repoPath, "file.txt", "v1\n")

	openSession(t, repoPath)

	for _, dir := range []string{".rewind", ".rewind/prompts", ".rewind/diffs", ".rewind/tmp"} {
		info, err := os.Stat(filepath.Join(repoPath, dir))
		if err != nil || !info.IsDir() {
			t.Errorf("Expected directory %s, got err=%v", dir, err)
		}
	}

	ignore, err := os.ReadFile(filepath.Join(repoPath, ".rewind", ".gitignore"))
	if err != nil {
		t.Fatalf("Failed to read data dir gitignore: %v", err)
	}
	if string(ignore) != "*\n" {
		t.Errorf("Expected self-ignoring data dir, got %q", string(ignore))
	}
}

func TestSession_RecordStep(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()
	commitFile(t, repoPath, "file.txt", "v1\n")

	session := openSession(t, repoPath)
	writeFile(t, repoPath, "file.txt", "v2\n")

	result, err := session.Record(RecordParams{
		Actor:  timeline.ActorAssistant,
		Prompt: "Bump file.txt to v2",
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if result == nil {
		t.Fatal("Expected a record result")
	}

	if result.ID != 1 {
		t.Errorf("Expected id 1, got %d", result.ID)
	}
	if len(result.Sha) != 40 {
		t.Errorf("Expected full commit sha, got %q", result.Sha)
	}
	if result.Ref != "refs/rewind/steps/1" {
		t.Errorf("Unexpected ref name %q", result.Ref)
	}

	entry, err := session.Get(1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.CheckpointSha != result.Sha {
		t.Errorf("Entry sha %q does not match result sha %q", entry.CheckpointSha, result.Sha)
	}
	if entry.Prompt != "Bump file.txt to v2" {
		t.Errorf("Unexpected inline prompt %q", entry.Prompt)
	}
	if len(entry.Files) != 1 || entry.Files[0].Path != "file.txt" {
		t.Errorf("Unexpected files %+v", entry.Files)
	}

	refs, err := session.ListStepRefs()
	if err != nil {
		t.Fatalf("ListStepRefs failed: %v", err)
	}
	if len(refs) != 1 || refs[0].ID != 1 || refs[0].Sha != result.Sha {
		t.Errorf("Unexpected step refs %+v", refs)
	}

	st := session.State()
	if st.LastStepID != 1 || st.LastStepSha != result.Sha {
		t.Errorf("Unexpected state %+v", st)
	}
}

func TestSession_RecordNoChanges(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()
	commitFile(t, repoPath, "file.txt", "v1\n")

	session := openSession(t, repoPath)

	result, err := session.Record(RecordParams{Actor: timeline.ActorAssistant, Prompt: "noop"})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if result != nil {
		t.Errorf("Expected nil result on a clean tree, got %+v", result)
	}
}

func TestSession_RecordChainsParents(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()
	commitFile(t, repoPath, "file.txt", "v1\n")

	session := openSession(t, repoPath)

	writeFile(t, repoPath, "file.txt", "v2\n")
	first, err := session.Record(RecordParams{Actor: timeline.ActorAssistant, Prompt: "to v2"})
	if err != nil || first == nil {
		t.Fatalf("First record failed: %v", err)
	}

	writeFile(t, repoPath, "file.txt", "v3\n")
	second, err := session.Record(RecordParams{Actor: timeline.ActorAssistant, Prompt: "to v3"})
	if err != nil || second == nil {
		t.Fatalf("Second record failed: %v", err)
	}

	entry, err := session.Get(second.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.ParentSha == nil || *entry.ParentSha != first.Sha {
		t.Errorf("Expected parent %s, got %v", first.Sha, entry.ParentSha)
	}

	// The stored diff is the step's own change-set, not cumulative
	diff, err := session.GetDiff(second.ID, 0, 0, "")
	if err != nil {
		t.Fatalf("GetDiff failed: %v", err)
	}
	if !strings.Contains(diff, "+v3") || !strings.Contains(diff, "-v2") {
		t.Errorf("Expected v2 to v3 diff, got:\n%s", diff)
	}
	if strings.Contains(diff, "v1") {
		t.Errorf("Diff should not reach back to v1:\n%s", diff)
	}
}

func TestSession_ListAndSearch(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()
	commitFile(t, repoPath, "file.txt", "v1\n")

	session := openSession(t, repoPath)

	writeFile(t, repoPath, "file.txt", "v2\n")
	if _, err := session.Record(RecordParams{Actor: timeline.ActorAssistant, Prompt: "fix the login handler"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	writeFile(t, repoPath, "file.txt", "v3\n")
	if _, err := session.Record(RecordParams{Actor: timeline.ActorUser, Message: "manual tweak"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	summaries, err := session.List(0, "", "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(summaries) != 2 || summaries[0].ID != 2 {
		t.Errorf("Expected newest-first summaries, got %+v", summaries)
	}

	matches, err := session.Search("login")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != 1 {
		t.Errorf("Expected one match for login, got %+v", matches)
	}

	users, err := session.List(0, "", timeline.ActorUser)
	if err != nil {
		t.Fatalf("List by actor failed: %v", err)
	}
	if len(users) != 1 || users[0].ID != 2 {
		t.Errorf("Expected the user step, got %+v", users)
	}
}

func TestSession_ConfigOverrides(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()
	commitFile(t, repoPath, "file.txt", "v1\n")

	if err := os.MkdirAll(filepath.Join(repoPath, ".rewind"), 0755); err != nil {
		t.Fatalf("Failed to create data dir: %v", err)
	}
	writeFile(t, repoPath, filepath.Join(".rewind", "config.yml"), "list_limit: 1\n")

	session := openSession(t, repoPath)

	writeFile(t, repoPath, "file.txt", "v2\n")
	if _, err := session.Record(RecordParams{Actor: timeline.ActorAssistant, Prompt: "one"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	writeFile(t, repoPath, "file.txt", "v3\n")
	if _, err := session.Record(RecordParams{Actor: timeline.ActorAssistant, Prompt: "two"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	summaries, err := session.List(0, "", "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(summaries) != 1 {
		t.Errorf("Expected configured list limit of 1, got %d summaries", len(summaries))
	}
}

func TestOpenWithConfig_NilUsesDefaults(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()
	commitFile(t, repoPath, "file.txt", "v1\n")

	session, err := OpenWithConfig(repoPath, nil)
	if err != nil {
		t.Fatalf("OpenWithConfig failed: %v", err)
	}
	if session.cfg.ListLimit != config.DefaultListLimit {
		t.Errorf("Expected default list limit, got %d", session.cfg.ListLimit)
	}
}

func TestSession_RevertAndReplayScenario(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()
	commitFile(t, repoPath, "file.txt", "v1\n")

	session := openSession(t, repoPath)

	writeFile(t, repoPath, "file.txt", "v2\n")
	if _, err := session.Record(RecordParams{Actor: timeline.ActorAssistant, Prompt: "set v2"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	writeFile(t, repoPath, "file.txt", "v2.1\n")
	if _, err := session.Record(RecordParams{Actor: timeline.ActorUser, Message: "manual edit"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	writeFile(t, repoPath, "file.txt", "v3\n")
	if _, err := session.Record(RecordParams{Actor: timeline.ActorAssistant, Prompt: "set v3"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	outcome, err := session.Revert(1, true)
	if err != nil {
		t.Fatalf("Revert failed: %v", err)
	}
	if outcome.Status != restore.StatusReverted {
		t.Errorf("Expected reverted, got %s", outcome.Status)
	}
	if got := readFile(t, repoPath, "file.txt"); got != "v2\n" {
		t.Errorf("Expected v2 after revert, got %q", got)
	}

	outcome, err = session.Replay(1, timeline.ActorUser, 0, true)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if outcome.Status != restore.StatusReplayed {
		t.Errorf("Expected replayed, got %s", outcome.Status)
	}
	if len(outcome.Applied) != 1 || outcome.Applied[0] != 2 {
		t.Errorf("Expected applied [2], got %v", outcome.Applied)
	}
	if got := readFile(t, repoPath, "file.txt"); got != "v2.1\n" {
		t.Errorf("Expected v2.1 after user replay, got %q", got)
	}

	outcome, err = session.Replay(1, timeline.ActorUser, 1, true)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(outcome.Applied) != 0 {
		t.Errorf("Expected nothing applied with until=1, got %v", outcome.Applied)
	}
	if got := readFile(t, repoPath, "file.txt"); got != "v2\n" {
		t.Errorf("Expected v2 after bounded replay, got %q", got)
	}
}

func TestSession_Undo(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()
	commitFile(t, repoPath, "file.txt", "v1\n")

	session := openSession(t, repoPath)

	writeFile(t, repoPath, "file.txt", "v2\n")
	if _, err := session.Record(RecordParams{Actor: timeline.ActorAssistant, Prompt: "set v2"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	outcome, err := session.Undo(true)
	if err != nil {
		t.Fatalf("Undo failed: %v", err)
	}
	if outcome.Status != restore.StatusReverted || outcome.Target != 1 {
		t.Errorf("Unexpected outcome %+v", outcome)
	}
	if got := readFile(t, repoPath, "file.txt"); got != "v1\n" {
		t.Errorf("Expected v1 after undo, got %q", got)
	}
}

func TestSession_Label(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()
	commitFile(t, repoPath, "file.txt", "v1\n")

	session := openSession(t, repoPath)

	writeFile(t, repoPath, "file.txt", "v2\n")
	if _, err := session.Record(RecordParams{Actor: timeline.ActorAssistant, Prompt: "set v2"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if err := session.Label(1, "wip"); err != nil {
		t.Fatalf("Label failed: %v", err)
	}
	if err := session.Label(1, "wip"); err != nil {
		t.Fatalf("Label failed: %v", err)
	}

	entry, err := session.Get(1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(entry.Labels) != 1 || entry.Labels[0] != "wip" {
		t.Errorf("Expected single wip label, got %v", entry.Labels)
	}
}

func TestSession_Doctor(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()
	commitFile(t, repoPath, "file.txt", "v1\n")

	session := openSession(t, repoPath)

	writeFile(t, repoPath, "file.txt", "v2\n")
	result, err := session.Record(RecordParams{Actor: timeline.ActorAssistant, Prompt: "set v2"})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if issues := session.Doctor(); len(issues) != 0 {
		t.Errorf("Expected healthy installation, got %v", issues)
	}

	// A ref without a journal entry is an orphan
	if err := session.StoreStepRef(99, result.Sha); err != nil {
		t.Fatalf("StoreStepRef failed: %v", err)
	}

	issues := session.Doctor()
	if len(issues) != 1 || !strings.Contains(issues[0], "Orphaned checkpoint refs: [99]") {
		t.Errorf("Expected orphaned ref report, got %v", issues)
	}
}

func TestSession_Export(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()
	commitFile(t, repoPath, "file.txt", "v1\n")

	session := openSession(t, repoPath)

	writeFile(t, repoPath, "file.txt", "v2\n")
	if _, err := session.Record(RecordParams{Actor: timeline.ActorAssistant, Prompt: "set v2"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	dir, err := session.Export(1, "")
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if dir != filepath.Join(repoPath, "export-00001") {
		t.Errorf("Unexpected default export dir %q", dir)
	}

	for _, name := range []string{"prompt.txt", "diff.patch", "meta.json", timeline.BundleName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("Expected exported %s: %v", name, err)
		}
	}
}

func TestSession_ClearState(t *testing.T) {
	repoPath, cleanup := setupTestRepo(t)
	defer cleanup()
	commitFile(t, repoPath, "file.txt", "v1\n")

	session := openSession(t, repoPath)

	if err := session.UpdateLastStep("abc123", 7); err != nil {
		t.Fatalf("UpdateLastStep failed: %v", err)
	}
	if st := session.State(); st.LastStepID != 7 {
		t.Errorf("Expected last step 7, got %+v", st)
	}

	if err := session.ClearState(); err != nil {
		t.Fatalf("ClearState failed: %v", err)
	}
	if st := session.State(); st.LastStepID != 0 || st.LastStepSha != "" {
		t.Errorf("Expected empty state after clear, got %+v", st)
	}
}
