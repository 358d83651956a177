package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// Header carrying the websocket transport id of the mutating client, so
// fan-out skips the session that already has the result in its response.
const headerSessionID = "X-Session-ID"

// Header carrying an optional idempotency key for mutating requests.
const headerIdempotencyKey = "X-Idempotency-Key"

// Register wires up all API routes on the provided Echo instance. accounts
// and dedup may be nil (JWKS-only auth, no replay protection).
func Register(e *echo.Echo, gw *Gateway, auth Authenticator, accounts *Accounts, dedup Deduper, logger *log.Logger) {
	if accounts != nil {
		e.POST("/api/auth/signup", accounts.signupHandler)
		e.POST("/api/auth/login", accounts.loginHandler)
	}
	e.POST("/api/tasks", createTask(gw, auth, dedup))
	e.GET("/api/tasks", listTasks(gw, auth, logger))
	e.GET("/api/tasks/:id", getTask(gw, auth))
	e.PUT("/api/tasks/:id", updateTask(gw, auth, dedup))
	e.DELETE("/api/tasks/:id", deleteTask(gw, auth, dedup))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func createTask(gw *Gateway, auth Authenticator, dedup Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}

		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}

		release, dup := claimIdempotencyKey(c, dedup, userID)
		if dup {
			return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
		}

		ctx := WithOriginSession(c.Request().Context(), c.Request().Header.Get(headerSessionID))
		task, err := gw.Create(ctx, userID, req.Title, req.Description)
		if err != nil {
			release()
			return taskError(c, err)
		}
		return c.JSON(http.StatusCreated, task)
	}
}

func listTasks(gw *Gateway, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newListRequestMetrics(logger)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
			return err
		}

		fetchStart := time.Now()
		tasks, fetchErr := gw.List(c.Request().Context(), userID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to fetch tasks"})
			return err
		}
		metrics.SetTasksReturned(len(tasks))
		err = c.JSON(http.StatusOK, tasks)
		return err
	}
}

func getTask(gw *Gateway, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		task, err := gw.Get(c.Request().Context(), userID, c.Param("id"))
		if err != nil {
			return taskError(c, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func updateTask(gw *Gateway, auth Authenticator, dedup Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}

		var patch domain.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}

		release, dup := claimIdempotencyKey(c, dedup, userID)
		if dup {
			return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
		}

		ctx := WithOriginSession(c.Request().Context(), c.Request().Header.Get(headerSessionID))
		task, err := gw.Update(ctx, userID, c.Param("id"), patch)
		if err != nil {
			release()
			return taskError(c, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(gw *Gateway, auth Authenticator, dedup Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}

		release, dup := claimIdempotencyKey(c, dedup, userID)
		if dup {
			return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
		}

		ctx := WithOriginSession(c.Request().Context(), c.Request().Header.Get(headerSessionID))
		if err := gw.Delete(ctx, userID, c.Param("id")); err != nil {
			release()
			return taskError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"message": "task deleted"})
	}
}

func decodeBody(c echo.Context, out any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// claimIdempotencyKey records the request's idempotency key, if any. It
// returns dup=true when the key was already used, and a release func the
// caller must invoke when the mutation fails so the key can be retried.
// A deduper outage never blocks the mutation.
func claimIdempotencyKey(c echo.Context, dedup Deduper, userID string) (release func(), dup bool) {
	release = func() {}
	if dedup == nil {
		return release, false
	}
	key := c.Request().Header.Get(headerIdempotencyKey)
	if key == "" {
		return release, false
	}
	ctx := c.Request().Context()
	added, err := dedup.Add(ctx, userID, key)
	if err != nil {
		c.Logger().Errorf("idempotency check failed: %v", err)
		return release, false
	}
	if !added {
		return release, true
	}
	return func() {
		if err := dedup.Remove(ctx, userID, key); err != nil {
			c.Logger().Errorf("idempotency rollback failed: %v", err)
		}
	}, false
}

func taskError(c echo.Context, err error) error {
	var verr domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: verr.Error()})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: domain.ErrNotFound.Error()})
	default:
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
