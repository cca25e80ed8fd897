package api

import (
	"errors"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"cnc-monitor-backend/internal/dispatch"
	"cnc-monitor-backend/internal/live"
	"cnc-monitor-backend/internal/mw"
	"cnc-monitor-backend/internal/statecache"
	"cnc-monitor-backend/internal/store"
	"cnc-monitor-backend/internal/transfer"
	"cnc-monitor-backend/internal/views"
)

// Deps holds the services the API is built on.
type Deps struct {
	Store    store.Store
	Cache    *statecache.Cache
	Views    *views.Service
	Dispatch *dispatch.Service
	Live     *live.Server
	WebPush  *webpush.Options
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store    store.Store
	cache    *statecache.Cache
	views    *views.Service
	dispatch *dispatch.Service
	webpush  *webpush.Options
	history  *mw.ResponseCache
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		store:    d.Store,
		cache:    d.Cache,
		views:    d.Views,
		dispatch: d.Dispatch,
		webpush:  d.WebPush,
	}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var perr *transfer.ProtocolError
	switch {
	case errors.Is(err, store.ErrMachineNotFound),
		errors.Is(err, store.ErrTransitionNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrNoteAlreadySet):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrNoPrograms),
		errors.Is(err, transfer.ErrInvalidName),
		errors.Is(err, views.ErrInvalidDate),
		errors.Is(err, views.ErrUnknownShift),
		errors.Is(err, views.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrNoAddress):
		return http.StatusUnprocessableEntity
	case errors.As(err, &perr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
