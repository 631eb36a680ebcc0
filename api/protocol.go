package api

import (
	"encoding/json"

	"taskboard-api/domain"
)

// Request body limits. Board mutations are tiny; anything larger is abuse.
const (
	moveRequestMaxSize = 4 * 1024
	taskRequestMaxSize = 64 * 1024
)

// moveRequest asks to drop a task onto another task or onto a column.
type moveRequest struct {
	TaskID string `json:"taskId"`
	Over   string `json:"over"`
}

type createTaskRequest struct {
	Title    string       `json:"title"`
	Notes    string       `json:"notes"`
	Progress int          `json:"progress"`
	Deadline *domain.Date `json:"deadline"`
}

// taskPatch distinguishes absent fields from explicit values. Deadline stays
// raw so an explicit null can clear it.
type taskPatch struct {
	Title    *string         `json:"title"`
	Notes    *string         `json:"notes"`
	Progress *int            `json:"progress"`
	Deadline json.RawMessage `json:"deadline"`
}

type boardResponse struct {
	Columns domain.Board   `json:"columns"`
	Summary domain.Summary `json:"summary"`
}

// newBoardResponse normalizes nil columns so clients always see arrays.
func newBoardResponse(b domain.Board) boardResponse {
	if b.ToDo == nil {
		b.ToDo = []domain.Task{}
	}
	if b.InProgress == nil {
		b.InProgress = []domain.Task{}
	}
	if b.Completed == nil {
		b.Completed = []domain.Task{}
	}
	return boardResponse{Columns: b, Summary: b.Summarize()}
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type alertsResponse struct {
	Alerts []domain.Alert `json:"alerts"`
}
