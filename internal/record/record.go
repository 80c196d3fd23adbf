// Package record defines the conversation output format and reads and
// writes it as newline-delimited JSON.
package record

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/normanking/personadrift/internal/identity"
	"github.com/normanking/personadrift/internal/llm"
)

// Method strings stored on records.
const (
	MethodBaseline      = "baseline"
	MethodSPR           = "SPR (System Prompt Repetition)"
	MethodMonitored     = "monitored"
	MethodMonitoredIGRC = "monitored+IGRC"
)

// TurnMetric is the per-turn measurement of a monitored conversation.
// DriftScore is nil when the turn could not be embedded. Unusable marks a
// turn whose completion came back empty; it carries no scores.
type TurnMetric struct {
	Turn            int                      `json:"turn"`
	DriftScore      *float64                 `json:"drift_score"`
	Unusable        bool                     `json:"unusable,omitempty"`
	HypocrisyStatus identity.HypocrisyStatus `json:"hypocrisy_status"`
	HypocrisyReason string                   `json:"hypocrisy_reason"`
	IGRC            *identity.Outcome        `json:"igrc,omitempty"`
}

// ConversationRecord is one finished conversation.
type ConversationRecord struct {
	ID              string        `json:"id"`
	Role            string        `json:"role"`
	Method          string        `json:"method,omitempty"`
	SystemPrompt    string        `json:"system_prompt,omitempty"`
	BaseInstruction string        `json:"base_instruction,omitempty"`
	Turns           []llm.Message `json:"turns"`
	Metrics         []TurnMetric  `json:"metrics,omitempty"`
	// Incomplete is set when a backend stopped answering before the last turn.
	Incomplete bool `json:"incomplete,omitempty"`
}

// AssistantTurns returns the persona responses in order.
func (r *ConversationRecord) AssistantTurns() []string {
	var out []string
	for _, m := range r.Turns {
		if m.Role == llm.RoleAssistant {
			out = append(out, m.Content)
		}
	}
	return out
}

// Anchor returns the text the conversation was held to: the stored system
// prompt, or the leading system message.
func (r *ConversationRecord) Anchor() string {
	if r.SystemPrompt != "" {
		return r.SystemPrompt
	}
	if len(r.Turns) > 0 && r.Turns[0].Role == llm.RoleSystem {
		return r.Turns[0].Content
	}
	return ""
}

// ═══════════════════════════════════════════════════════════════════════════════
// WRITER
// ═══════════════════════════════════════════════════════════════════════════════

// Writer appends records to a file, one JSON object per line. Writes are
// serialised and each line is flushed and synced before Write returns.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	buf  *bufio.Writer
	path string
}

// OpenWriter opens path for appending, or truncates it when fresh is set.
func OpenWriter(path string, fresh bool) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if fresh {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}

	if !fresh {
		if err := terminateLastLine(path, f); err != nil {
			f.Close()
			return nil, err
		}
	}

	return &Writer{f: f, buf: bufio.NewWriter(f), path: path}, nil
}

// terminateLastLine appends a newline when an earlier run died mid-record,
// so the next record starts on its own line.
func terminateLastLine(path string, f *os.File) error {
	r, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("inspect output: %w", err)
	}
	defer r.Close()

	info, err := r.Stat()
	if err != nil {
		return fmt.Errorf("inspect output: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := r.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("inspect output: %w", err)
	}
	if last[0] != '\n' {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("repair output: %w", err)
		}
	}
	return nil
}

// Write appends one record.
func (w *Writer) Write(rec *ConversationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return errors.New("writer closed")
	}
	if _, err := w.buf.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write record %s: %w", rec.ID, err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush record %s: %w", rec.ID, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync record %s: %w", rec.ID, err)
	}
	return nil
}

// Path returns the output file path.
func (w *Writer) Path() string {
	return w.path
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	closeErr := w.f.Close()
	w.f = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// ═══════════════════════════════════════════════════════════════════════════════
// READER
// ═══════════════════════════════════════════════════════════════════════════════

// Decode reads every record from r. Malformed lines, such as a write cut
// short by a crash, are skipped with a warning.
func Decode(r io.Reader) ([]ConversationRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 64*1024*1024)

	var records []ConversationRecord
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec ConversationRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Warn().Err(err).Int("line", line).Msg("skipping malformed record")
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return records, nil
}

// ReadFile reads every record in path.
func ReadFile(path string) ([]ConversationRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open records: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// CompletedIDs returns the ids already present in path. A missing file
// yields an empty set.
func CompletedIDs(path string) (map[string]bool, error) {
	ids := make(map[string]bool)

	records, err := ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ids, nil
		}
		return nil, err
	}
	for _, r := range records {
		ids[r.ID] = true
	}
	return ids, nil
}
