package engine

// Operational transformation. Transform(a, b) rewrites a as if b had
// already been applied, so that either apply order converges on the same
// content (the diamond property). The Insert/Delete pairs are the four
// primitive cases; Replace decomposes into delete-then-insert when it is
// the operation being transformed against, and transforms its own range
// like a Delete while carrying its text.

// Transform returns a adjusted for the prior application of b, plus a
// label describing which transformation fired (recorded in conflict
// metadata).
func Transform(a, b Operation) (Operation, string) {
	if b.IsNoop() {
		return a, "noop"
	}
	switch b.Kind {
	case OpInsert:
		return transformAgainstInsert(a, b)
	case OpDelete:
		return transformAgainstDelete(a, b)
	case OpReplace:
		// Replace acts as delete [Start, End) followed by an insert of
		// its text at Start.
		del := Operation{Kind: OpDelete, Start: b.Start, End: b.End, ActorID: b.ActorID, Timestamp: b.Timestamp}
		ins := Operation{Kind: OpInsert, Position: b.Start, Text: b.Text, ActorID: b.ActorID, Timestamp: b.Timestamp}
		a1, _ := transformAgainstDelete(a, del)
		a2, _ := transformAgainstInsert(a1, ins)
		return a2, "against_replace"
	}
	return a, "noop"
}

func transformAgainstInsert(a, b Operation) (Operation, string) {
	switch a.Kind {
	case OpInsert:
		cmp := b.Position.Compare(a.Position)
		// Ties broken by timestamp then actor ID for total determinism.
		shift := cmp < 0 || (cmp == 0 && opSortsBefore(b, a))
		if !shift {
			return a, "insert_vs_insert_no_change"
		}
		a.Position = shiftForwardByInsert(a.Position, b.Position, b.Text)
		return a, "insert_vs_insert_shift"

	case OpDelete:
		if b.Position.AtOrBefore(a.Start) {
			a.Start = shiftForwardByInsert(a.Start, b.Position, b.Text)
			a.End = shiftForwardByInsert(a.End, b.Position, b.Text)
			return a, "delete_vs_insert_shift"
		}
		if b.Position.Before(a.End) {
			// The insert landed inside the range being deleted. Extending
			// the delete alone would swallow text the insert side keeps
			// (its position clamps to Start), so the delete becomes a
			// replace that re-emits the inserted text.
			a.End = shiftForwardByInsert(a.End, b.Position, b.Text)
			a.Kind = OpReplace
			a.Text = b.Text
			return a, "delete_vs_insert_preserve"
		}
		return a, "delete_vs_insert_no_change"

	case OpReplace:
		if b.Position.AtOrBefore(a.Start) {
			a.Start = shiftForwardByInsert(a.Start, b.Position, b.Text)
			a.End = shiftForwardByInsert(a.End, b.Position, b.Text)
			return a, "replace_vs_insert_shift"
		}
		if b.Position.Before(a.End) {
			a.End = shiftForwardByInsert(a.End, b.Position, b.Text)
			a.Text = b.Text + a.Text
			return a, "replace_vs_insert_extend"
		}
		return a, "replace_vs_insert_no_change"
	}
	return a, "noop"
}

func transformAgainstDelete(a, b Operation) (Operation, string) {
	switch a.Kind {
	case OpInsert:
		pos, label := transformPosAgainstDelete(a.Position, b.Start, b.End)
		a.Position = pos
		return a, "insert_vs_delete_" + label

	case OpDelete, OpReplace:
		start, _ := transformPosAgainstDelete(a.Start, b.Start, b.End)
		end, _ := transformPosAgainstDelete(a.End, b.Start, b.End)
		a.Start, a.End = start, end
		prefix := "delete_vs_delete"
		if a.Kind == OpReplace {
			prefix = "replace_vs_delete"
		}
		if a.Kind == OpDelete && a.IsNoop() {
			// Identical or fully-covered range: the later delete has
			// nothing left to remove.
			return a, prefix + "_noop"
		}
		return a, prefix + "_shrink"
	}
	return a, "noop"
}

// transformPosAgainstDelete maps a position through the removal of
// [start, end): positions before the range are untouched, positions inside
// clamp to start, positions at or past the end shift backward.
func transformPosAgainstDelete(p, start, end Position) (Position, string) {
	if p.AtOrBefore(start) {
		return p, "no_change"
	}
	if p.Before(end) {
		return start, "clamp"
	}
	return shiftBackwardByDelete(p, start, end), "shift"
}

// shiftForwardByInsert maps p (at or after the insertion point) through an
// insert of text at `at`.
func shiftForwardByInsert(p, at Position, text string) Position {
	breaks, tail := insertedLines(text)
	if p.Line != at.Line {
		// p is on a later line; only line numbers move.
		p.Line += breaks
		return p
	}
	if breaks == 0 {
		p.Column += len(text)
		return p
	}
	return Position{Line: p.Line + breaks, Column: tail + (p.Column - at.Column)}
}

// shiftBackwardByDelete maps p (at or after end) through the removal of
// [start, end).
func shiftBackwardByDelete(p, start, end Position) Position {
	if p.Line != end.Line {
		p.Line -= end.Line - start.Line
		return p
	}
	return Position{Line: start.Line, Column: start.Column + (p.Column - end.Column)}
}

// opSortsBefore is the deterministic total order used for tie-breaks:
// timestamp ascending, then actor ID.
func opSortsBefore(x, y Operation) bool {
	if !x.Timestamp.Equal(y.Timestamp) {
		return x.Timestamp.Before(y.Timestamp)
	}
	return x.ActorID < y.ActorID
}
