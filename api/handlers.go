// Package api serves the board over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-sync/controller"
	"prism-sync/domain"
)

const maxBodySize = 64 << 10

// Board is the controller surface used by the handlers.
type Board interface {
	Board(ctx context.Context, id string) (*domain.Board, error)
	Task(ctx context.Context, id string) (*domain.Task, error)
	Quadrants(ctx context.Context, boardID string) (map[domain.Quadrant][]*domain.Task, error)
	AddTask(ctx context.Context, boardID, id string, patch domain.TaskPatch) (*domain.Task, error)
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (*domain.Task, error)
	CompleteTask(ctx context.Context, id string) (*domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
	ClassifyTask(ctx context.Context, id string) (*domain.Task, error)
	SyncStatus(ctx context.Context) (controller.SyncStatus, error)
	RetrySync(ctx context.Context) (int, error)
	PullBoard(ctx context.Context, boardID string) (int, error)
	Schedule(ctx context.Context) ([]domain.ScheduledNotification, error)
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, board Board, auth Authenticator, logger *log.Logger) {
	e.GET("/healthz", healthz(board))

	g := e.Group("/api", GzipRequestMiddleware(), RequireAuth(auth, logger))
	g.GET("/boards/:board", getBoard(board, logger))
	g.GET("/boards/:board/quadrants", getQuadrants(board, logger))
	g.POST("/boards/:board/tasks", postTask(board, logger))
	g.POST("/boards/:board/pull", pullBoard(board, logger))
	g.GET("/tasks/:id", getTask(board, logger))
	g.PATCH("/tasks/:id", patchTask(board, logger))
	g.POST("/tasks/:id/complete", completeTask(board, logger))
	g.DELETE("/tasks/:id", deleteTask(board, logger))
	g.POST("/tasks/:id/classify", classifyTask(board, logger))
	g.GET("/sync", getSync(board, logger))
	g.POST("/sync/retry", retrySync(board, logger))
	g.GET("/schedule", getSchedule(board, logger))
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeError maps core errors onto HTTP statuses.
func writeError(c echo.Context, logger *log.Logger, err error) error {
	var ve *domain.ValidationError
	var se *domain.StorageError
	var ne *domain.NetworkError
	var pe *domain.PermissionError
	switch {
	case errors.As(err, &ve):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, controller.ErrClassifierDisabled):
		return c.JSON(http.StatusNotImplemented, errorResponse{Error: err.Error()})
	case errors.Is(err, controller.ErrClassificationFailed):
		return c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
	case errors.As(err, &pe):
		logger.WithError(err).WithField("path", c.Path()).Warn("remote store refused")
		return c.JSON(http.StatusForbidden, errorResponse{Error: "remote store refused access"})
	case errors.As(err, &ne):
		logger.WithError(err).WithField("path", c.Path()).Warn("remote store unreachable")
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "remote store unreachable"})
	case errors.As(err, &se):
		logger.WithError(err).WithField("path", c.Path()).Error("local store failure")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "local store failure"})
	default:
		logger.WithError(err).WithField("path", c.Path()).Error("request failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Reason: "invalid body: " + err.Error()}
	}
	return nil
}

func healthz(_ Board) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func getBoard(board Board, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		b, err := board.Board(c.Request().Context(), c.Param("board"))
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, b)
	}
}

func getQuadrants(board Board, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		qs, err := board.Quadrants(c.Request().Context(), c.Param("board"))
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, qs)
	}
}

type addTaskRequest struct {
	ID string `json:"id"`
	domain.TaskPatch
}

func postTask(board Board, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req addTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, logger, err)
		}
		task, err := board.AddTask(c.Request().Context(), c.Param("board"), req.ID, req.TaskPatch)
		if err != nil {
			return writeError(c, logger, err)
		}
		logger.WithFields(log.Fields{"user_id": c.Get(userIDKey), "task_id": task.ID}).Debug("task added")
		return c.JSON(http.StatusCreated, task)
	}
}

func getTask(board Board, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		task, err := board.Task(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func patchTask(board Board, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var patch domain.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return writeError(c, logger, err)
		}
		task, err := board.UpdateTask(c.Request().Context(), c.Param("id"), patch)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func completeTask(board Board, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		task, err := board.CompleteTask(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(board Board, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := board.DeleteTask(c.Request().Context(), c.Param("id")); err != nil {
			return writeError(c, logger, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func classifyTask(board Board, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		task, err := board.ClassifyTask(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func getSync(board Board, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		st, err := board.SyncStatus(c.Request().Context())
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, st)
	}
}

type retryResponse struct {
	Requeued int `json:"requeued"`
}

func retrySync(board Board, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		n, err := board.RetrySync(c.Request().Context())
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusAccepted, retryResponse{Requeued: n})
	}
}

type pullResponse struct {
	Adopted int `json:"adopted"`
}

func pullBoard(board Board, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		n, err := board.PullBoard(c.Request().Context(), c.Param("board"))
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, pullResponse{Adopted: n})
	}
}

func getSchedule(board Board, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		entries, err := board.Schedule(c.Request().Context())
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, entries)
	}
}
