package api

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Store, auth Authenticator, pub Publisher, broker *Broker, logger *log.Logger) {
	locks := newBoardLocks()

	e.GET("/healthz", healthz())
	e.GET("/api/board", getBoard(store, auth, logger))
	e.POST("/api/board/moves", postMove(store, auth, pub, locks))
	e.GET("/api/board/summary", getSummary(store, auth))
	e.GET("/api/tasks", getTasks(store, auth))
	e.POST("/api/tasks", postTask(store, auth, pub, locks))
	e.PATCH("/api/tasks/:id", patchTask(store, auth, pub, locks))
	e.DELETE("/api/tasks/:id", deleteTask(store, auth, pub, locks))
	e.GET("/api/alerts", getAlerts(store, auth))
	e.GET("/stream", streamBoard(store, auth, broker))
}

// boardLocks serializes mutations per board. Reads stay lock-free; the stores
// already hand out consistent whole-board snapshots.
type boardLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newBoardLocks() *boardLocks {
	return &boardLocks{m: make(map[string]*sync.Mutex)}
}

func (l *boardLocks) lock(boardID string) func() {
	l.mu.Lock()
	m, ok := l.m[boardID]
	if !ok {
		m = &sync.Mutex{}
		l.m[boardID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func getBoard(store Store, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newBoardRequestMetrics(ctx, logger)
		if spanCtx != nil {
			req := c.Request().WithContext(spanCtx)
			c.SetRequest(req)
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		id, authErr := auth.IdentityFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}
		metrics.SetRole(id.Role)

		filter, ok := domain.ParseColumn(c.QueryParam("column"))
		if !ok {
			metrics.SetErrorStage("invalid_column")
			err = c.String(http.StatusBadRequest, "invalid column selector")
			return err
		}
		metrics.SetFilter(filter)

		loadStart := time.Now()
		tasks, loadErr := store.LoadTasks(ctx, id.UserID)
		metrics.ObserveLoad(time.Since(loadStart))
		if loadErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(loadErr)
			err = c.String(http.StatusInternalServerError, loadErr.Error())
			return err
		}
		metrics.SetTasksReturned(len(tasks))

		board := domain.BuildBoard(tasks).View(filter)
		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, newBoardResponse(board))
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func postMove(store Store, auth Authenticator, pub Publisher, locks *boardLocks) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id, err := auth.IdentityFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		lr := io.LimitReader(c.Request().Body, moveRequestMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var req moveRequest
		if err := dec.Decode(&req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.TaskID == "" || req.Over == "" {
			return c.String(http.StatusBadRequest, "taskId and over are required")
		}

		unlock := locks.lock(id.UserID)
		defer unlock()

		tasks, err := store.LoadTasks(ctx, id.UserID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}

		board, moved := domain.BuildBoard(tasks).Move(req.TaskID, req.Over)
		if moved {
			if err := store.SaveTasks(ctx, id.UserID, board.Flatten()); err != nil {
				c.Logger().Error(err)
				return c.String(http.StatusInternalServerError, err.Error())
			}
			publishBoardUpdate(c, pub, id.UserID)
		}
		return c.JSON(http.StatusOK, newBoardResponse(board))
	}
}

func getSummary(store Store, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id, err := auth.IdentityFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		tasks, err := store.LoadTasks(ctx, id.UserID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, domain.BuildBoard(tasks).Summarize())
	}
}

func getTasks(store Store, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id, err := auth.IdentityFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		tasks, err := store.LoadTasks(ctx, id.UserID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
	}
}

func postTask(store Store, auth Authenticator, pub Publisher, locks *boardLocks) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id, err := auth.IdentityFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		lr := io.LimitReader(c.Request().Body, taskRequestMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var req createTaskRequest
		if err := dec.Decode(&req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if strings.TrimSpace(req.Title) == "" {
			return c.String(http.StatusBadRequest, "title is required")
		}
		if req.Progress < 0 || req.Progress > 100 {
			return c.String(http.StatusBadRequest, "progress out of range")
		}

		task := domain.Task{
			ID:       uuid.NewString(),
			Title:    req.Title,
			Notes:    req.Notes,
			Progress: req.Progress,
			Deadline: req.Deadline,
		}

		unlock := locks.lock(id.UserID)
		defer unlock()

		tasks, err := store.LoadTasks(ctx, id.UserID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if err := store.SaveTasks(ctx, id.UserID, append(tasks, task)); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		publishBoardUpdate(c, pub, id.UserID)
		return c.JSON(http.StatusCreated, task)
	}
}

func patchTask(store Store, auth Authenticator, pub Publisher, locks *boardLocks) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id, err := auth.IdentityFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		taskID := c.Param("id")

		lr := io.LimitReader(c.Request().Body, taskRequestMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var patch taskPatch
		if err := dec.Decode(&patch); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
			return c.String(http.StatusBadRequest, "title must not be empty")
		}
		if patch.Progress != nil && (*patch.Progress < 0 || *patch.Progress > 100) {
			return c.String(http.StatusBadRequest, "progress out of range")
		}
		deadline, clearDeadline, err := parseDeadlinePatch(patch.Deadline)
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid deadline")
		}

		unlock := locks.lock(id.UserID)
		defer unlock()

		tasks, err := store.LoadTasks(ctx, id.UserID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}

		idx := -1
		for i := range tasks {
			if tasks[i].ID == taskID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return c.String(http.StatusNotFound, "task not found")
		}

		if patch.Title != nil {
			tasks[idx].Title = *patch.Title
		}
		if patch.Notes != nil {
			tasks[idx].Notes = *patch.Notes
		}
		if patch.Progress != nil {
			tasks[idx].Progress = *patch.Progress
		}
		if clearDeadline {
			tasks[idx].Deadline = nil
		} else if deadline != nil {
			tasks[idx].Deadline = deadline
		}

		if err := store.SaveTasks(ctx, id.UserID, tasks); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		publishBoardUpdate(c, pub, id.UserID)
		return c.JSON(http.StatusOK, tasks[idx])
	}
}

// parseDeadlinePatch reports the new deadline and whether an explicit null
// asked to clear it. An absent field returns (nil, false, nil).
func parseDeadlinePatch(raw []byte) (*domain.Date, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, true, nil
	}
	var d domain.Date
	if err := sonic.Unmarshal(raw, &d); err != nil {
		return nil, false, err
	}
	return &d, false, nil
}

func deleteTask(store Store, auth Authenticator, pub Publisher, locks *boardLocks) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id, err := auth.IdentityFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		taskID := c.Param("id")

		unlock := locks.lock(id.UserID)
		defer unlock()

		tasks, err := store.LoadTasks(ctx, id.UserID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}

		kept := make([]domain.Task, 0, len(tasks))
		for _, t := range tasks {
			if t.ID != taskID {
				kept = append(kept, t)
			}
		}
		if len(kept) == len(tasks) {
			return c.String(http.StatusNotFound, "task not found")
		}

		if err := store.SaveTasks(ctx, id.UserID, kept); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		publishBoardUpdate(c, pub, id.UserID)
		return c.NoContent(http.StatusNoContent)
	}
}

func publishBoardUpdate(c echo.Context, pub Publisher, boardID string) {
	if pub == nil {
		return
	}
	msg := UpdateMessage{BoardID: boardID, Event: updateEventBoard}
	if err := pub.PublishUpdate(c.Request().Context(), msg); err != nil {
		c.Logger().Errorf("publish board update: %v", err)
	}
}
