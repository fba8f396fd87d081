package engine

import (
	"fmt"
	"strings"
	"time"
)

// Position addresses a point in linear text by zero-based (line, column)
// coordinates. Positions are totally ordered within a document snapshot.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Compare returns -1, 0 or 1 as p sorts before, equal to or after q.
func (p Position) Compare(q Position) int {
	if p.Line != q.Line {
		if p.Line < q.Line {
			return -1
		}
		return 1
	}
	if p.Column != q.Column {
		if p.Column < q.Column {
			return -1
		}
		return 1
	}
	return 0
}

// Before reports whether p sorts strictly before q.
func (p Position) Before(q Position) bool { return p.Compare(q) < 0 }

// AtOrBefore reports whether p sorts at or before q.
func (p Position) AtOrBefore(q Position) bool { return p.Compare(q) <= 0 }

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d)", p.Line, p.Column)
}

// OpKind tags the Operation union.
type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpDelete  OpKind = "delete"
	OpReplace OpKind = "replace"
)

// Operation is an atomic document edit. Exactly one variant applies per
// Kind: Insert uses Position+Text, Delete uses the half-open [Start, End)
// range, Replace uses the range plus Text. ActorID identifies the editing
// party; Timestamp is a wall-clock tie-break only, never a causality proof.
type Operation struct {
	Kind      OpKind    `json:"kind"`
	Position  Position  `json:"position,omitempty"`
	Start     Position  `json:"start,omitempty"`
	End       Position  `json:"end,omitempty"`
	Text      string    `json:"text,omitempty"`
	ActorID   string    `json:"actor_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewInsert builds an Insert operation.
func NewInsert(pos Position, text, actorID string, ts time.Time) Operation {
	return Operation{Kind: OpInsert, Position: pos, Text: text, ActorID: actorID, Timestamp: ts}
}

// NewDelete builds a Delete operation over the half-open range [start, end).
// Fails with ErrInvalidRange when start sorts after end.
func NewDelete(start, end Position, actorID string, ts time.Time) (Operation, error) {
	if end.Before(start) {
		return Operation{}, fmt.Errorf("%w: %s > %s", ErrInvalidRange, start, end)
	}
	return Operation{Kind: OpDelete, Start: start, End: end, ActorID: actorID, Timestamp: ts}, nil
}

// NewReplace builds a Replace operation: delete [start, end), then insert
// text at start. Fails with ErrInvalidRange when start sorts after end.
func NewReplace(start, end Position, text, actorID string, ts time.Time) (Operation, error) {
	if end.Before(start) {
		return Operation{}, fmt.Errorf("%w: %s > %s", ErrInvalidRange, start, end)
	}
	return Operation{Kind: OpReplace, Start: start, End: end, Text: text, ActorID: actorID, Timestamp: ts}, nil
}

// StartPos returns the position at which the operation takes effect.
func (op Operation) StartPos() Position {
	if op.Kind == OpInsert {
		return op.Position
	}
	return op.Start
}

// Range returns the addressed range. An Insert is a zero-width range at
// its position; Delete/Replace use [Start, End).
func (op Operation) Range() (Position, Position) {
	if op.Kind == OpInsert {
		return op.Position, op.Position
	}
	return op.Start, op.End
}

// IsNoop reports whether the operation has no effect on content. Deletes
// collapse to no-ops during transformation when another actor already
// removed the same range.
func (op Operation) IsNoop() bool {
	switch op.Kind {
	case OpInsert:
		return op.Text == ""
	case OpDelete:
		return op.Start == op.End
	case OpReplace:
		return op.Start == op.End && op.Text == ""
	}
	return true
}

// offsetOf flattens a (line, column) position into a byte offset within
// content. The column may equal the line length (cursor past the last
// character); anything beyond that is out of bounds.
func offsetOf(content string, pos Position) (int, error) {
	if pos.Line < 0 || pos.Column < 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPosition, pos)
	}
	lines := strings.Split(content, "\n")
	if pos.Line >= len(lines) {
		return 0, fmt.Errorf("%w: line %d of %d", ErrInvalidPosition, pos.Line, len(lines))
	}
	if pos.Column > len(lines[pos.Line]) {
		return 0, fmt.Errorf("%w: column %d past end of line %d", ErrInvalidPosition, pos.Column, pos.Line)
	}
	off := 0
	for i := 0; i < pos.Line; i++ {
		off += len(lines[i]) + 1 // +1 for the newline
	}
	return off + pos.Column, nil
}

// rangeLength flattens [start, end) to a character count using the current
// content. Same-line ranges are end.Column-start.Column; multi-line ranges
// sum the remainder of the first line, every full intervening line and the
// prefix of the last line.
func rangeLength(content string, start, end Position) int {
	if start.Line == end.Line {
		return end.Column - start.Column
	}
	lines := strings.Split(content, "\n")
	lineLen := func(i int) int {
		if i >= 0 && i < len(lines) {
			return len(lines[i])
		}
		return 0
	}
	n := lineLen(start.Line) - start.Column
	for i := start.Line + 1; i < end.Line; i++ {
		n += lineLen(i)
	}
	return n + end.Column
}

// insertedLines returns the number of line breaks in text and the length
// of the trailing segment after the last break.
func insertedLines(text string) (breaks, tail int) {
	breaks = strings.Count(text, "\n")
	if breaks == 0 {
		return 0, len(text)
	}
	return breaks, len(text) - strings.LastIndex(text, "\n") - 1
}
