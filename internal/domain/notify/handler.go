package notify

import (
	"context"
	"errors"
	"net/http"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/store"
)

// MaxAwaitTimeout caps the timeout a client may ask for.
const MaxAwaitTimeout = 2 * time.Minute

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Handler struct {
	svc          *Service
	awaitTimeout time.Duration
	logger       zerolog.Logger
}

// NewHandler creates the handler. awaitTimeout applies when a request does
// not name its own.
func NewHandler(svc *Service, awaitTimeout time.Duration, logger zerolog.Logger) *Handler {
	if awaitTimeout <= 0 {
		awaitTimeout = 30 * time.Second
	}
	return &Handler{svc: svc, awaitTimeout: awaitTimeout, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/notifications", auth.RequireRole(auth.StaffRoles...))
	read.GET("/:kind", h.List)
	read.GET("/:kind/:key", h.Get)
	read.GET("/:kind/:key/await", h.Await)
	read.GET("/:kind/:key/ws", h.Stream)
}

func (h *Handler) List(c echo.Context) error {
	kind, err := ParseKind(c.Param("kind"))
	if err != nil {
		return toHTTPError(err)
	}
	status := Status(c.QueryParam("status"))
	switch status {
	case "", StatusPending, StatusProcessing, StatusSent, StatusFailed:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status filter")
	}
	items, err := h.svc.List(c.Request().Context(), kind, status)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Get(c echo.Context) error {
	ref, err := refFromContext(c)
	if err != nil {
		return toHTTPError(err)
	}
	rec, err := h.svc.Get(c.Request().Context(), ref)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// Await long-polls until the task is sent or failed. A task still open when
// the timeout passes is returned with 202.
func (h *Handler) Await(c echo.Context) error {
	ref, err := refFromContext(c)
	if err != nil {
		return toHTTPError(err)
	}
	timeout := h.awaitTimeout
	if raw := c.QueryParam("timeout"); raw != "" {
		timeout, err = time.ParseDuration(raw)
		if err != nil || timeout <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid timeout")
		}
	}
	timeout = min(timeout, MaxAwaitTimeout)

	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()

	rec, err := h.svc.Await(ctx, ref)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, rec)
	case errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusAccepted, rec)
	default:
		return toHTTPError(err)
	}
}

// Stream pushes every state of the task over a WebSocket and closes the
// connection once the task is sent or failed.
func (h *Handler) Stream(c echo.Context) error {
	ref, err := refFromContext(c)
	if err != nil {
		return toHTTPError(err)
	}
	if _, err := h.svc.Get(c.Request().Context(), ref); err != nil {
		return toHTTPError(err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request().Context()))
	defer cancel()

	// The client sends nothing; a read error means it went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = h.svc.Watch(ctx, ref, func(rec TaskRecord) bool {
		if err := ws.WriteJSON(rec); err != nil {
			return false
		}
		return true
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn().Err(err).Str("task", ref.String()).Msg("task stream ended")
	}
	_ = ws.WriteControl(gorillawebsocket.CloseMessage,
		gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return nil
}

func refFromContext(c echo.Context) (TaskRef, error) {
	kind, err := ParseKind(c.Param("kind"))
	if err != nil {
		return TaskRef{}, err
	}
	return TaskRef{Kind: kind, Key: c.Param("key")}, nil
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrUnknownKind), errors.Is(err, store.ErrInvalidPath):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "notification task not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
