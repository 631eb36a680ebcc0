package domain

// Board groups tasks into the three status columns.
type Board struct {
	ToDo       []Task `json:"todo"`
	InProgress []Task `json:"inprogress"`
	Completed  []Task `json:"completed"`
}

// BuildBoard partitions tasks into columns by progress, keeping the input
// order inside each column.
func BuildBoard(tasks []Task) Board {
	var b Board
	for _, t := range tasks {
		switch t.Column() {
		case ColumnToDo:
			b.ToDo = append(b.ToDo, t)
		case ColumnInProgress:
			b.InProgress = append(b.InProgress, t)
		default:
			b.Completed = append(b.Completed, t)
		}
	}
	return b
}

// Tasks returns the task sequence of one column. Unknown columns are empty.
func (b Board) Tasks(col Column) []Task {
	switch col {
	case ColumnToDo:
		return b.ToDo
	case ColumnInProgress:
		return b.InProgress
	case ColumnCompleted:
		return b.Completed
	}
	return nil
}

func (b *Board) set(col Column, tasks []Task) {
	switch col {
	case ColumnToDo:
		b.ToDo = tasks
	case ColumnInProgress:
		b.InProgress = tasks
	case ColumnCompleted:
		b.Completed = tasks
	}
}

// Flatten concatenates the columns in display order. This is the sequence
// written back to storage after a move.
func (b Board) Flatten() []Task {
	out := make([]Task, 0, len(b.ToDo)+len(b.InProgress)+len(b.Completed))
	out = append(out, b.ToDo...)
	out = append(out, b.InProgress...)
	out = append(out, b.Completed...)
	return out
}

// View filters the board down to a single column. ColumnAll returns the
// board unchanged, as does any selector View does not recognize.
func (b Board) View(sel Column) Board {
	switch sel {
	case ColumnToDo:
		return Board{ToDo: b.ToDo}
	case ColumnInProgress:
		return Board{InProgress: b.InProgress}
	case ColumnCompleted:
		return Board{Completed: b.Completed}
	}
	return b
}

// NextFilter returns the filter state after clicking a column toggle.
// Clicking the active filter clears it back to ColumnAll.
func NextFilter(current, clicked Column) Column {
	if current == clicked {
		return ColumnAll
	}
	return clicked
}

func (b Board) locate(id string) (Column, int, bool) {
	for _, col := range Columns {
		for i, t := range b.Tasks(col) {
			if t.ID == id {
				return col, i, true
			}
		}
	}
	return "", 0, false
}

// Move drops the task onto over, which is either another task's id or a
// column id; a task-id reading wins when both match. The task leaves its
// current column and lands at the tail of the target. Progress is left
// untouched, so membership and progress can disagree until the board is next
// rebuilt from storage. Unknown ids, unknown targets, same-column drops and
// self drops return the board unchanged with moved=false.
func (b Board) Move(taskID, over string) (Board, bool) {
	srcCol, srcIdx, ok := b.locate(taskID)
	if !ok {
		return b, false
	}
	tgtCol, _, ok := b.locate(over)
	if !ok {
		tgtCol = Column(over)
		if !tgtCol.Valid() {
			return b, false
		}
	}
	if tgtCol == srcCol {
		return b, false
	}

	src := b.Tasks(srcCol)
	moved := src[srcIdx]
	rest := make([]Task, 0, len(src)-1)
	rest = append(rest, src[:srcIdx]...)
	rest = append(rest, src[srcIdx+1:]...)

	dst := b.Tasks(tgtCol)
	grown := make([]Task, 0, len(dst)+1)
	grown = append(grown, dst...)
	grown = append(grown, moved)

	out := b
	out.set(srcCol, rest)
	out.set(tgtCol, grown)
	return out, true
}

// Summary holds per-column task counts for the dashboard chart.
type Summary struct {
	ToDo       int `json:"todo"`
	InProgress int `json:"inprogress"`
	Completed  int `json:"completed"`
}

// Summarize counts the board's tasks per column.
func (b Board) Summarize() Summary {
	return Summary{ToDo: len(b.ToDo), InProgress: len(b.InProgress), Completed: len(b.Completed)}
}
