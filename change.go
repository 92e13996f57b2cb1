package maildrop

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// ChangeRecord is the structured representation of one commit notification
// delivered into the maildir. Immutable once constructed: the parser returns
// it by value and nothing mutates it afterwards.
type ChangeRecord struct {
	// ID is derived from the maildir filename the record was read from.
	ID       string
	Author   string
	When     time.Time
	Files    []string
	Comment  string
	Branch   string
	Revision string
}

// ParseError describes one malformed message. It carries the record ID so
// the watch loop can log and skip the entry without aborting.
type ParseError struct {
	ID     string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("maildrop: parse %s: %s", e.ID, e.Reason)
}

// Accepted Date header layouts. RFC 1123 variants cover mail-transport
// agents that stamp conventional mail dates.
var dateLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
}

// ParseChange parses one delivered message into a ChangeRecord.
//
// Wire format: a header block (Author:, Date:, optional Branch: and
// Revision:), a blank line, a list of affected file paths one per line,
// a blank line, and the free-text commit comment. Author and comment text
// is arbitrary UTF-8.
//
// ParseChange is a pure function of its input: no I/O, no hidden state.
func ParseChange(id string, data []byte) (ChangeRecord, error) {
	rec := ChangeRecord{ID: id}

	// Normalize CRLF so messages from MTAs on any platform parse the same.
	body := strings.ReplaceAll(string(data), "\r\n", "\n")

	sections := strings.SplitN(body, "\n\n", 3)
	if len(sections) < 2 {
		return ChangeRecord{}, &ParseError{ID: id, Reason: "missing affected-file section"}
	}

	if err := parseHeader(id, sections[0], &rec); err != nil {
		return ChangeRecord{}, err
	}

	for _, line := range strings.Split(sections[1], "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rec.Files = append(rec.Files, line)
	}
	if len(rec.Files) == 0 {
		return ChangeRecord{}, &ParseError{ID: id, Reason: "affected-file section is empty"}
	}

	if len(sections) == 3 {
		rec.Comment = strings.TrimRight(strings.TrimLeft(sections[2], "\n"), "\n")
	}

	return rec, nil
}

func parseHeader(id, header string, rec *ChangeRecord) error {
	for _, line := range strings.Split(header, "\n") {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return &ParseError{ID: id, Reason: fmt.Sprintf("malformed header line %q", line)}
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Author":
			rec.Author = value
		case "Date":
			when, err := parseDate(value)
			if err != nil {
				return &ParseError{ID: id, Reason: fmt.Sprintf("unparseable date %q", value)}
			}
			rec.When = when
		case "Branch":
			rec.Branch = value
		case "Revision":
			rec.Revision = value
		default:
			// Unknown headers are tolerated so hook scripts can evolve
			// without breaking older watchers.
		}
	}

	if rec.Author == "" {
		return &ParseError{ID: id, Reason: "missing Author header"}
	}
	if rec.When.IsZero() {
		return &ParseError{ID: id, Reason: "missing Date header"}
	}
	return nil
}

func parseDate(value string) (time.Time, error) {
	var err error
	for _, layout := range dateLayouts {
		var when time.Time
		when, err = time.Parse(layout, value)
		if err == nil {
			return when, nil
		}
	}
	return time.Time{}, err
}

// FormatChange produces the wire format ParseChange accepts. The comment is
// guaranteed to end with a trailing newline when present.
func FormatChange(rec ChangeRecord) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Author: %s\n", rec.Author)
	fmt.Fprintf(&buf, "Date: %s\n", rec.When.Format(time.RFC3339))
	if rec.Branch != "" {
		fmt.Fprintf(&buf, "Branch: %s\n", rec.Branch)
	}
	if rec.Revision != "" {
		fmt.Fprintf(&buf, "Revision: %s\n", rec.Revision)
	}
	buf.WriteString("\n")
	for _, f := range rec.Files {
		buf.WriteString(f)
		buf.WriteString("\n")
	}
	if rec.Comment != "" {
		buf.WriteString("\n")
		buf.WriteString(rec.Comment)
		if !strings.HasSuffix(rec.Comment, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes()
}
