// internal/timeline/store.go
package timeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"

	"rewind/internal/config"
)

// ErrEntryNotFound is returned when no journal entry has the requested id
var ErrEntryNotFound = errors.New("timeline entry not found")

// Accessor windows applied when the caller passes no explicit bound.
const (
	DefaultPromptChars = 2000
	DefaultDiffLines   = 200

	inlinePromptLimit = 500
	snippetLimit      = 80
)

// Store reads and writes the append-only JSONL journal and its side files.
// Every operation re-scans storage; nothing is cached across calls.
type Store struct {
	timelinePath string
	promptsDir   string
	diffsDir     string
	refPrefix    string
}

// NewStore creates a journal store. refPrefix is the reference namespace
// recorded on new entries.
func NewStore(timelinePath, promptsDir, diffsDir, refPrefix string) *Store {
	return &Store{
		timelinePath: timelinePath,
		promptsDir:   promptsDir,
		diffsDir:     diffsDir,
		refPrefix:    refPrefix,
	}
}

// JournalPath returns the path of the timeline file
func (s *Store) JournalPath() string {
	return s.timelinePath
}

func (s *Store) promptPath(id int) string {
	return filepath.Join(s.promptsDir, fmt.Sprintf("%05d.txt", id))
}

func (s *Store) diffFilePath(id int) string {
	return filepath.Join(s.diffsDir, fmt.Sprintf("%05d.patch", id))
}

// NextID returns 1 + the highest id ever recorded. Ids are assigned from the
// maximum seen rather than the line count so gaps from partial recovery never
// cause a reused id. Malformed lines are skipped.
func (s *Store) NextID() (int, error) {
	file, err := os.Open(s.timelinePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, fmt.Errorf("open timeline: %w", err)
	}
	defer file.Close()

	maxID := 0
	scanner := bufio.NewScanner(file)

	// Increase buffer size for potentially large lines
	const maxCapacity = 1024 * 1024 // 1MB
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if e.ID > maxID {
			maxID = e.ID
		}
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan timeline: %w", err)
	}

	return maxID + 1, nil
}

// Append assigns the next id, writes the full prompt and diff to side files,
// and appends one self-contained JSON line to the journal. The inline prompt
// copy is truncated; readers needing the full text go through GetPrompt.
func (s *Store) Append(p AppendParams) (int, error) {
	id, err := s.NextID()
	if err != nil {
		return 0, err
	}

	entry := Entry{
		ID:            id,
		Ts:            time.Now().Format(time.RFC3339),
		Actor:         p.Actor,
		CheckpointSha: p.CheckpointSha,
		CheckpointRef: fmt.Sprintf("%s/%d", s.refPrefix, id),
		Files:         p.Files,
		Session:       p.Session,
		Message:       p.Message,
		Labels:        []string{},
		Notes:         "",
	}
	if entry.Files == nil {
		entry.Files = []FileChange{}
	}
	if p.ParentSha != "" {
		parent := p.ParentSha
		entry.ParentSha = &parent
	}

	if p.Prompt != "" {
		entry.Prompt = p.Prompt
		if len(entry.Prompt) > inlinePromptLimit {
			entry.Prompt = entry.Prompt[:inlinePromptLimit]
		}
		entry.PromptRef = fmt.Sprintf("%s/%05d.txt", config.PromptsDir, id)
		if err := os.MkdirAll(s.promptsDir, 0755); err != nil {
			return 0, fmt.Errorf("create prompts dir: %w", err)
		}
		if err := os.WriteFile(s.promptPath(id), []byte(p.Prompt), 0644); err != nil {
			return 0, fmt.Errorf("write prompt: %w", err)
		}
	}

	if p.Diff != "" {
		entry.DiffPath = fmt.Sprintf("%s/%05d.patch", config.DiffsDir, id)
		if err := os.MkdirAll(s.diffsDir, 0755); err != nil {
			return 0, fmt.Errorf("create diffs dir: %w", err)
		}
		if err := os.WriteFile(s.diffFilePath(id), []byte(p.Diff), 0644); err != nil {
			return 0, fmt.Errorf("write diff: %w", err)
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("marshal entry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.timelinePath), 0755); err != nil {
		return 0, fmt.Errorf("create data dir: %w", err)
	}
	file, err := os.OpenFile(s.timelinePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("open timeline: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("append timeline: %w", err)
	}

	return id, nil
}

// Get returns the full entry with the given id, normalizing records written
// by earlier versions on the way out.
func (s *Store) Get(id int) (*Entry, error) {
	file, err := os.Open(s.timelinePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("open timeline: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)

	const maxCapacity = 1024 * 1024 // 1MB
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			log.Printf("Skipping invalid timeline line %d: %v", lineNum, err)
			continue
		}
		if e.ID == id {
			return normalize(&e), nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan timeline: %w", err)
	}

	return nil, ErrEntryNotFound
}

// List returns up to limit entries, newest first, reduced to token-efficient
// summaries. query matches case-insensitively against prompt and message
// text; actor filters to one actor when non-empty.
func (s *Store) List(limit int, query, actor string) ([]Summary, error) {
	if limit <= 0 {
		limit = config.DefaultListLimit
	}

	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}

	queryLower := strings.ToLower(query)
	summaries := []Summary{}
	for i := len(entries) - 1; i >= 0; i-- { // Newest first
		if len(summaries) >= limit {
			break
		}
		e := entries[i]

		if query != "" &&
			!strings.Contains(strings.ToLower(e.Prompt), queryLower) &&
			!strings.Contains(strings.ToLower(e.Message), queryLower) {
			continue
		}
		if actor != "" && e.Actor != actor {
			continue
		}

		summaries = append(summaries, Summary{
			ID:            e.ID,
			Ts:            e.Ts,
			Actor:         e.Actor,
			PromptSnippet: e.snippet(snippetLimit),
			Files:         e.Files,
			Labels:        e.Labels,
		})
	}

	return summaries, nil
}

// Search is List with a query and the larger search limit
func (s *Store) Search(query string) ([]Summary, error) {
	return s.List(config.DefaultSearchLimit, query, "")
}

// GetPrompt returns a bounded window of the entry's full prompt text. When
// the side file is missing it falls back to the truncated inline copy.
func (s *Store) GetPrompt(id, maxChars, offset int) (string, error) {
	if maxChars <= 0 {
		maxChars = DefaultPromptChars
	}
	if offset < 0 {
		offset = 0
	}

	var text string
	data, err := os.ReadFile(s.promptPath(id))
	switch {
	case err == nil:
		text = string(data)
	case os.IsNotExist(err):
		entry, err := s.Get(id)
		if err != nil {
			return "", err
		}
		if entry.Prompt == "" {
			return "", fmt.Errorf("no prompt recorded for entry %d", id)
		}
		text = entry.Prompt
	default:
		return "", fmt.Errorf("read prompt: %w", err)
	}

	if offset >= len(text) {
		return "", nil
	}
	end := offset + maxChars
	if end > len(text) {
		end = len(text)
	}
	return text[offset:end], nil
}

// GetDiff returns a bounded window of the entry's stored unified diff.
// There is no inline fallback; entries without a diff side file have no diff.
// When file is non-empty only the sections touching that path are returned.
func (s *Store) GetDiff(id, maxLines, offsetLines int, file string) (string, error) {
	if maxLines <= 0 {
		maxLines = DefaultDiffLines
	}
	if offsetLines < 0 {
		offsetLines = 0
	}

	data, err := os.ReadFile(s.diffFilePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			if _, err := s.Get(id); err != nil {
				return "", err
			}
			return "", fmt.Errorf("no diff recorded for entry %d", id)
		}
		return "", fmt.Errorf("read diff: %w", err)
	}

	if file != "" {
		data, err = filterDiffByFile(data, file)
		if err != nil {
			return "", err
		}
	}

	lines := strings.SplitAfter(string(data), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if offsetLines >= len(lines) {
		return "", nil
	}
	end := offsetLines + maxLines
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[offsetLines:end], ""), nil
}

// filterDiffByFile parses a multi-file unified diff and reprints only the
// sections whose old or new path contains file.
func filterDiffByFile(raw []byte, file string) ([]byte, error) {
	fileDiffs, err := diff.NewMultiFileDiffReader(bytes.NewReader(raw)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}

	matched := []*diff.FileDiff{}
	for _, fd := range fileDiffs {
		if strings.Contains(fd.NewName, file) || strings.Contains(fd.OrigName, file) {
			matched = append(matched, fd)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	out, err := diff.PrintMultiFileDiff(matched)
	if err != nil {
		return nil, fmt.Errorf("print diff: %w", err)
	}
	return out, nil
}

// AddLabel adds label to the entry's label set. Adding a label twice is a
// no-op. The whole journal is rewritten in place; untouched lines keep their
// original bytes so append order and legacy records survive intact.
func (s *Store) AddLabel(id int, label string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}

	data, err := os.ReadFile(s.timelinePath)
	if err != nil {
		return fmt.Errorf("read timeline: %w", err)
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	for i, line := range lines {
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		rawID, ok := raw["id"].(float64)
		if !ok || int(rawID) != id {
			continue
		}

		labels := []interface{}{}
		if existing, ok := raw["labels"].([]interface{}); ok {
			labels = existing
		}
		found := false
		for _, l := range labels {
			if str, ok := l.(string); ok && str == label {
				found = true
				break
			}
		}
		if !found {
			labels = append(labels, label)
		}
		raw["labels"] = labels

		updated, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		lines[i] = string(updated)
		break
	}

	out := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(s.timelinePath, []byte(out), 0644); err != nil {
		return fmt.Errorf("rewrite timeline: %w", err)
	}
	return nil
}

// Doctor checks journal health against the supplied checkpoint ref ids.
// Every syntactically invalid line is reported with its line number; scanning
// continues past bad lines so one corrupt record cannot mask the rest.
func (s *Store) Doctor(refIDs []int) []string {
	issues := []string{}

	file, err := os.Open(s.timelinePath)
	if err != nil {
		if os.IsNotExist(err) {
			if len(refIDs) > 0 {
				issues = append(issues, "No timeline file found (but checkpoint refs exist)")
			}
			return issues
		}
		issues = append(issues, fmt.Sprintf("Error reading timeline: %v", err))
		return issues
	}
	defer file.Close()

	entryIDs := map[int]bool{}
	scanner := bufio.NewScanner(file)

	const maxCapacity = 1024 * 1024 // 1MB
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			issues = append(issues, fmt.Sprintf("Invalid JSON on line %d", lineNum))
			continue
		}
		if e.ID > 0 {
			entryIDs[e.ID] = true
		}
	}
	if err := scanner.Err(); err != nil {
		issues = append(issues, fmt.Sprintf("Error reading timeline: %v", err))
	}

	seen := map[int]bool{}
	orphaned := []int{}
	for _, id := range refIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if !entryIDs[id] {
			orphaned = append(orphaned, id)
		}
	}
	if len(orphaned) > 0 {
		sort.Ints(orphaned)
		issues = append(issues, fmt.Sprintf("Orphaned checkpoint refs: %v", orphaned))
	}

	return issues
}

// All returns every well-formed entry in append order, normalized.
// Malformed lines are skipped.
func (s *Store) All() ([]*Entry, error) {
	return s.readAll()
}

// readAll parses every well-formed journal line in file order
func (s *Store) readAll() ([]*Entry, error) {
	file, err := os.Open(s.timelinePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open timeline: %w", err)
	}
	defer file.Close()

	entries := []*Entry{}
	scanner := bufio.NewScanner(file)

	const maxCapacity = 1024 * 1024 // 1MB
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			log.Printf("Skipping invalid timeline line %d: %v", lineNum, err)
			continue
		}
		entries = append(entries, normalize(&e))
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan timeline: %w", err)
	}

	return entries, nil
}
