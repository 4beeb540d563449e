package journal

import (
	"bytes"
	"encoding/json"
	"os"
)

// Parse decodes journal content into entries. Blank lines are skipped.
// Unknown entry types are retained verbatim. A line that fails to parse
// yields a synthetic x-error entry carrying the offending line.
//
// When complete is false the final line has no trailing newline and is
// treated as an in-flight partial write: if it fails to parse it is dropped
// silently instead of producing an x-error.
func Parse(data []byte, complete bool) []*Entry {
	lines := bytes.Split(data, []byte("\n"))
	entries := make([]*Entry, 0, len(lines))

	for i, line := range lines {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(trimmed, &entry); err != nil || entry.Type == "" {
			last := i == len(lines)-1
			if last && !complete {
				// The agent is mid-append; the line will reappear whole on
				// the next watcher emission.
				continue
			}
			entries = append(entries, &Entry{
				Type:       TypeParseError,
				Line:       string(trimmed),
				LineNumber: i + 1,
			})
			continue
		}

		raw := make([]byte, len(trimmed))
		copy(raw, trimmed)
		entry.Raw = raw
		entries = append(entries, &entry)
	}
	return entries
}

// ReadFile reads and parses a journal file. The journal is read without
// locking; the trailing-newline check decides whether the last line may be a
// partial write.
func ReadFile(path string) ([]*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	complete := len(data) == 0 || data[len(data)-1] == '\n'
	return Parse(data, complete), nil
}

// HasBrokenSummary reports whether a summary entry references a leaf that
// appears after it in the entry list. Such a journal is treated as
// inconsistent and read without the virtual overlay.
func HasBrokenSummary(entries []*Entry) bool {
	leafIndex := make(map[string]int, len(entries))
	for i, e := range entries {
		if e.UUID != "" {
			leafIndex[e.UUID] = i
		}
	}
	for i, e := range entries {
		if e.Type != TypeSummary || e.LeafUUID == "" {
			continue
		}
		if j, ok := leafIndex[e.LeafUUID]; ok && j > i {
			return true
		}
	}
	return false
}
