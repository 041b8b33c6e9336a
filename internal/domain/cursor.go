package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Cursor is the (timestamp, id) position of the last message a
// subscriber rendered. The zero Cursor sorts before every message.
type Cursor struct {
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
}

// IsZero reports whether the cursor points before the start of the log.
func (c Cursor) IsZero() bool {
	return c.Timestamp == 0 && c.ID == ""
}

// Compare orders cursors by timestamp, then by id.
func (c Cursor) Compare(o Cursor) int {
	switch {
	case c.Timestamp < o.Timestamp:
		return -1
	case c.Timestamp > o.Timestamp:
		return 1
	}
	return strings.Compare(c.ID, o.ID)
}

// Less reports whether c sorts strictly before o.
func (c Cursor) Less(o Cursor) bool {
	return c.Compare(o) < 0
}

// String encodes the cursor as "<timestamp>:<id>".
func (c Cursor) String() string {
	return strconv.FormatInt(c.Timestamp, 10) + ":" + c.ID
}

// ParseCursor decodes the form produced by Cursor.String. An empty
// string yields the zero cursor.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	ts, id, ok := strings.Cut(s, ":")
	if !ok {
		return Cursor{}, fmt.Errorf("cursor %q: missing separator", s)
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("cursor %q: %w", s, err)
	}
	return Cursor{Timestamp: n, ID: id}, nil
}

// SortMessages sorts messages into log order in place.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Cursor().Less(msgs[j].Cursor())
	})
}
