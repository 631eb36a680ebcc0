package domain

// Column identifies one of the fixed board columns.
type Column string

const (
	ColumnToDo       Column = "todo"
	ColumnInProgress Column = "inprogress"
	ColumnCompleted  Column = "completed"

	// ColumnAll is the filter selector matching every column.
	ColumnAll Column = "all"
)

// Columns lists the board columns in display order.
var Columns = [3]Column{ColumnToDo, ColumnInProgress, ColumnCompleted}

// Valid reports whether c names one of the fixed board columns.
func (c Column) Valid() bool {
	return c == ColumnToDo || c == ColumnInProgress || c == ColumnCompleted
}

// ParseColumn maps a wire value to a column selector. The empty string and
// "all" select every column.
func ParseColumn(s string) (Column, bool) {
	c := Column(s)
	switch c {
	case "", ColumnAll:
		return ColumnAll, true
	case ColumnToDo, ColumnInProgress, ColumnCompleted:
		return c, true
	}
	return "", false
}

// Task represents a single board item.
type Task struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Notes    string `json:"notes,omitempty"`
	Progress int    `json:"progress"`
	Deadline *Date  `json:"deadline,omitempty"`
}

// Categorize maps a progress percentage to its board column. Both bracket
// bounds are inclusive: 40 is still to-do, 80 still in progress.
func Categorize(progress int) Column {
	switch {
	case progress <= 40:
		return ColumnToDo
	case progress <= 80:
		return ColumnInProgress
	default:
		return ColumnCompleted
	}
}

// Column returns the column derived from the task's progress. A manual move
// can override membership transiently; the override is never written back to
// Progress.
func (t Task) Column() Column {
	return Categorize(t.Progress)
}
