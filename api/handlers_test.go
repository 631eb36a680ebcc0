package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

type mockStore struct {
	mu        sync.Mutex
	tasks     []domain.Task
	loadErr   error
	saveErr   error
	loadCalls int
	saveCalls int
}

func (m *mockStore) LoadTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCalls++
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make([]domain.Task, len(m.tasks))
	copy(out, m.tasks)
	return out, nil
}

func (m *mockStore) SaveTasks(ctx context.Context, boardID string, tasks []domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.tasks = tasks
	return nil
}

func (m *mockStore) snapshot() []domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Task, len(m.tasks))
	copy(out, m.tasks)
	return out
}

func (m *mockStore) saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCalls
}

type mockAuth struct{}

func (mockAuth) IdentityFromAuthHeader(string) (Identity, error) {
	return Identity{UserID: "user", Role: "member"}, nil
}

type failAuth struct{}

func (failAuth) IdentityFromAuthHeader(string) (Identity, error) {
	return Identity{}, errMissingAuthorization
}

type mockPublisher struct {
	mu   sync.Mutex
	msgs []UpdateMessage
}

func (m *mockPublisher) PublishUpdate(ctx context.Context, msg UpdateMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *mockPublisher) messages() []UpdateMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UpdateMessage, len(m.msgs))
	copy(out, m.msgs)
	return out
}

func taskIDs(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func sameIDs(tasks []domain.Task, want ...string) bool {
	got := taskIDs(tasks)
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func boardFixture() []domain.Task {
	return []domain.Task{
		{ID: "a", Title: "a", Progress: 0},
		{ID: "b", Title: "b", Progress: 40},
		{ID: "c", Title: "c", Progress: 41},
		{ID: "d", Title: "d", Progress: 80},
		{ID: "e", Title: "e", Progress: 81},
		{ID: "f", Title: "f", Progress: 100},
	}
}

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := healthz()(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
}

func TestGetBoardPartitionsByProgress(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: boardFixture()}
	req := httptest.NewRequest(http.MethodGet, "/api/board", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := getBoard(store, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp boardResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if !sameIDs(resp.Columns.ToDo, "a", "b") {
		t.Fatalf("unexpected todo column: %#v", taskIDs(resp.Columns.ToDo))
	}
	if !sameIDs(resp.Columns.InProgress, "c", "d") {
		t.Fatalf("unexpected inprogress column: %#v", taskIDs(resp.Columns.InProgress))
	}
	if !sameIDs(resp.Columns.Completed, "e", "f") {
		t.Fatalf("unexpected completed column: %#v", taskIDs(resp.Columns.Completed))
	}
	if resp.Summary.ToDo != 2 || resp.Summary.InProgress != 2 || resp.Summary.Completed != 2 {
		t.Fatalf("unexpected summary: %#v", resp.Summary)
	}
}

func TestGetBoardFilterSingleColumn(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: boardFixture()}
	req := httptest.NewRequest(http.MethodGet, "/api/board?column=inprogress", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := getBoard(store, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp boardResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Columns.ToDo) != 0 || len(resp.Columns.Completed) != 0 {
		t.Fatalf("expected filtered columns to be empty: %#v", resp.Columns)
	}
	if !sameIDs(resp.Columns.InProgress, "c", "d") {
		t.Fatalf("unexpected inprogress column: %#v", taskIDs(resp.Columns.InProgress))
	}
}

func TestGetBoardInvalidColumn(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: boardFixture()}
	req := httptest.NewRequest(http.MethodGet, "/api/board?column=bogus", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := getBoard(store, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
	if store.loadCalls != 0 {
		t.Fatalf("expected store to not be called for invalid selector, got %d loads", store.loadCalls)
	}
}

func TestGetBoardEmptyBoardReturnsArrays(t *testing.T) {
	e := echo.New()
	store := &mockStore{}
	req := httptest.NewRequest(http.MethodGet, "/api/board", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := getBoard(store, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"todo":[]`) || !strings.Contains(body, `"inprogress":[]`) || !strings.Contains(body, `"completed":[]`) {
		t.Fatalf("expected empty arrays in response, got %s", body)
	}
}

func TestGetBoardStorageError(t *testing.T) {
	e := echo.New()
	store := &mockStore{loadErr: errors.New("table offline")}
	req := httptest.NewRequest(http.MethodGet, "/api/board", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := getBoard(store, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
}

func TestGetBoardUnauthorized(t *testing.T) {
	e := echo.New()
	store := &mockStore{}
	req := httptest.NewRequest(http.MethodGet, "/api/board", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := getBoard(store, failAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", rec.Code)
	}
	if store.loadCalls != 0 {
		t.Fatalf("expected store to not be called without auth, got %d loads", store.loadCalls)
	}
}

func postMoveRequest(t *testing.T, store *mockStore, pub *mockPublisher, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/board/moves", strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := postMove(store, mockAuth{}, pub, newBoardLocks())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return rec
}

func TestPostMovePersistsReorderedBoard(t *testing.T) {
	store := &mockStore{tasks: boardFixture()}
	pub := &mockPublisher{}

	rec := postMoveRequest(t, store, pub, `{"taskId":"a","over":"c"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if !sameIDs(store.snapshot(), "b", "c", "d", "a", "e", "f") {
		t.Fatalf("unexpected persisted order: %#v", taskIDs(store.snapshot()))
	}
	var resp boardResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if !sameIDs(resp.Columns.InProgress, "c", "d", "a") {
		t.Fatalf("unexpected inprogress column: %#v", taskIDs(resp.Columns.InProgress))
	}
	for _, task := range store.snapshot() {
		if task.ID == "a" && task.Progress != 0 {
			t.Fatalf("expected progress to stay untouched, got %d", task.Progress)
		}
	}
	msgs := pub.messages()
	if len(msgs) != 1 || msgs[0].Event != updateEventBoard || msgs[0].BoardID != "user" {
		t.Fatalf("unexpected published updates: %#v", msgs)
	}
}

func TestPostMoveOntoColumnID(t *testing.T) {
	store := &mockStore{tasks: boardFixture()}
	pub := &mockPublisher{}

	rec := postMoveRequest(t, store, pub, `{"taskId":"f","over":"todo"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if !sameIDs(store.snapshot(), "a", "b", "f", "c", "d", "e") {
		t.Fatalf("unexpected persisted order: %#v", taskIDs(store.snapshot()))
	}
}

func TestPostMoveUnknownTargetIsNoop(t *testing.T) {
	store := &mockStore{tasks: boardFixture()}
	pub := &mockPublisher{}

	rec := postMoveRequest(t, store, pub, `{"taskId":"a","over":"ghost"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if store.saves() != 0 {
		t.Fatalf("expected no save for unknown target, got %d", store.saves())
	}
	if len(pub.messages()) != 0 {
		t.Fatalf("expected no published updates, got %#v", pub.messages())
	}
}

func TestPostMoveSameColumnIsNoop(t *testing.T) {
	store := &mockStore{tasks: boardFixture()}
	pub := &mockPublisher{}

	rec := postMoveRequest(t, store, pub, `{"taskId":"a","over":"b"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if store.saves() != 0 {
		t.Fatalf("expected no save for same-column drop, got %d", store.saves())
	}
}

func TestPostMoveSaveErrorPropagates(t *testing.T) {
	store := &mockStore{tasks: boardFixture(), saveErr: errors.New("disk full")}
	pub := &mockPublisher{}

	rec := postMoveRequest(t, store, pub, `{"taskId":"a","over":"c"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
	if len(pub.messages()) != 0 {
		t.Fatalf("expected no published updates on save failure, got %#v", pub.messages())
	}
}

func TestPostMoveRejectsBadBodies(t *testing.T) {
	testCases := map[string]string{
		"truncated":     `{"taskId":"a"`,
		"unknown_field": `{"taskId":"a","over":"b","speed":1}`,
		"missing_over":  `{"taskId":"a"}`,
		"missing_task":  `{"over":"b"}`,
	}
	for name, body := range testCases {
		t.Run(name, func(t *testing.T) {
			store := &mockStore{tasks: boardFixture()}
			rec := postMoveRequest(t, store, &mockPublisher{}, body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400 got %d", rec.Code)
			}
			if store.loadCalls != 0 {
				t.Fatalf("expected store to not be called for bad body, got %d loads", store.loadCalls)
			}
		})
	}
}

func TestGetSummaryCountsColumns(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: boardFixture()}
	req := httptest.NewRequest(http.MethodGet, "/api/board/summary", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := getSummary(store, mockAuth{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var s domain.Summary
	if err := sonic.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if s.ToDo != 2 || s.InProgress != 2 || s.Completed != 2 {
		t.Fatalf("unexpected summary: %#v", s)
	}
}

func TestGetTasksReturnsFlatList(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: boardFixture()}
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := getTasks(store, mockAuth{})(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	var resp tasksResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if !sameIDs(resp.Tasks, "a", "b", "c", "d", "e", "f") {
		t.Fatalf("unexpected tasks: %#v", taskIDs(resp.Tasks))
	}
}

func TestPostTaskCreatesWithGeneratedID(t *testing.T) {
	e := echo.New()
	store := &mockStore{}
	pub := &mockPublisher{}
	body := `{"title":"Write the report","notes":"for Friday","progress":55,"deadline":"2026-03-14"}`
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := postTask(store, mockAuth{}, pub, newBoardLocks())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d", rec.Code)
	}
	var created domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated task id")
	}
	if created.Column() != domain.ColumnInProgress {
		t.Fatalf("expected task in progress at 55%%, got %s", created.Column())
	}
	saved := store.snapshot()
	if len(saved) != 1 || saved[0].ID != created.ID || saved[0].Deadline == nil {
		t.Fatalf("unexpected saved tasks: %#v", saved)
	}
	if len(pub.messages()) != 1 {
		t.Fatalf("expected one published update, got %#v", pub.messages())
	}
}

func TestPostTaskValidation(t *testing.T) {
	testCases := map[string]string{
		"blank_title":    `{"title":"   "}`,
		"missing_title":  `{"progress":10}`,
		"progress_low":   `{"title":"t","progress":-1}`,
		"progress_high":  `{"title":"t","progress":101}`,
		"unknown_field":  `{"title":"t","owner":"me"}`,
		"malformed_json": `{"title":`,
	}
	for name, body := range testCases {
		t.Run(name, func(t *testing.T) {
			e := echo.New()
			store := &mockStore{}
			req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(body))
			req.Header.Set(echo.HeaderAuthorization, "Bearer token")
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := postTask(store, mockAuth{}, &mockPublisher{}, newBoardLocks())(c); err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400 got %d", rec.Code)
			}
			if store.saves() != 0 {
				t.Fatalf("expected no save for invalid request, got %d", store.saves())
			}
		})
	}
}

func TestPatchTaskUpdatesFields(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: []domain.Task{{ID: "a", Title: "old", Notes: "keep", Progress: 10}}}
	pub := &mockPublisher{}
	req := httptest.NewRequest(http.MethodPatch, "/api/tasks/a", strings.NewReader(`{"title":"new","progress":90}`))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("a")

	if err := patchTask(store, mockAuth{}, pub, newBoardLocks())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	saved := store.snapshot()
	if len(saved) != 1 {
		t.Fatalf("unexpected saved tasks: %#v", saved)
	}
	if saved[0].Title != "new" || saved[0].Progress != 90 || saved[0].Notes != "keep" {
		t.Fatalf("unexpected task after patch: %#v", saved[0])
	}
	if len(pub.messages()) != 1 {
		t.Fatalf("expected one published update, got %#v", pub.messages())
	}
}

func TestPatchTaskClearsDeadlineWithNull(t *testing.T) {
	e := echo.New()
	due := domain.NewDate(2026, time.March, 14)
	store := &mockStore{tasks: []domain.Task{{ID: "a", Title: "t", Deadline: &due}}}
	req := httptest.NewRequest(http.MethodPatch, "/api/tasks/a", strings.NewReader(`{"deadline":null}`))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("a")

	if err := patchTask(store, mockAuth{}, &mockPublisher{}, newBoardLocks())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if saved := store.snapshot(); saved[0].Deadline != nil {
		t.Fatalf("expected deadline cleared, got %#v", saved[0].Deadline)
	}
}

func TestPatchTaskUnknownID(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: boardFixture()}
	req := httptest.NewRequest(http.MethodPatch, "/api/tasks/ghost", strings.NewReader(`{"title":"new"}`))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("ghost")

	if err := patchTask(store, mockAuth{}, &mockPublisher{}, newBoardLocks())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
	if store.saves() != 0 {
		t.Fatalf("expected no save for unknown task, got %d", store.saves())
	}
}

func TestDeleteTaskRemovesTask(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: boardFixture()}
	pub := &mockPublisher{}
	req := httptest.NewRequest(http.MethodDelete, "/api/tasks/c", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("c")

	if err := deleteTask(store, mockAuth{}, pub, newBoardLocks())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 got %d", rec.Code)
	}
	if !sameIDs(store.snapshot(), "a", "b", "d", "e", "f") {
		t.Fatalf("unexpected tasks after delete: %#v", taskIDs(store.snapshot()))
	}
	if len(pub.messages()) != 1 {
		t.Fatalf("expected one published update, got %#v", pub.messages())
	}
}

func TestDeleteTaskUnknownID(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: boardFixture()}
	req := httptest.NewRequest(http.MethodDelete, "/api/tasks/ghost", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("ghost")

	if err := deleteTask(store, mockAuth{}, &mockPublisher{}, newBoardLocks())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
	if store.saves() != 0 {
		t.Fatalf("expected no save for unknown task, got %d", store.saves())
	}
}
