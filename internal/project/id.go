// Package project derives stable identifiers from journal paths.
//
// A project id is a filesystem path escaped into a single path component so
// it is safe in URLs and file names. The escaping is bijective:
// Decode(Encode(p)) == p for every path p.
package project

import (
	"path/filepath"
	"strings"
)

// Encode escapes a filesystem path into a single-component project id.
// "_" is the escape character: "_" becomes "__", "-" becomes "_-", and a
// path separator becomes "-". Because every literal "-" is escaped, a bare
// "-" in the id is always a separator and decoding is unambiguous.
func Encode(path string) string {
	var b strings.Builder
	b.Grow(len(path) + 8)
	for _, r := range path {
		switch r {
		case '_':
			b.WriteString("__")
		case '-':
			b.WriteString("_-")
		case '/':
			b.WriteByte('-')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Decode reverses Encode.
func Decode(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for i := 0; i < len(id); i++ {
		switch id[i] {
		case '_':
			if i+1 < len(id) && (id[i+1] == '_' || id[i+1] == '-') {
				b.WriteByte(id[i+1])
				i++
			} else {
				b.WriteByte('_')
			}
		case '-':
			b.WriteByte('/')
		default:
			b.WriteByte(id[i])
		}
	}
	return b.String()
}

// JournalPath returns the on-disk path of a session journal.
func JournalPath(projectsDir, projectID, sessionID string) string {
	return filepath.Join(projectsDir, projectID, sessionID+".jsonl")
}

// ProjectDir returns the on-disk directory of a project's journals.
func ProjectDir(projectsDir, projectID string) string {
	return filepath.Join(projectsDir, projectID)
}
