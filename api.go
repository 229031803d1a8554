package main

import (
	"context"
	"net/http"
	"strconv"

	"github.com/CodedInternet/gosorter/comms"
	derrors "github.com/CodedInternet/gosorter/onboard/errors"
	"github.com/CodedInternet/gosorter/onboard/hardware"
	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/pkg/errors"
)

//---
// Error responses
//---

type ErrResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`

	StatusText string `json:"status"`
	ErrorText  string `json:"error,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func ErrInvalidRequest(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusBadRequest,
		StatusText:     "Invalid request.",
		ErrorText:      err.Error(),
	}
}

func ErrUnauthorized(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusUnauthorized,
		StatusText:     "Unauthorized.",
		ErrorText:      err.Error(),
	}
}

func ErrPermissionDenied(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusForbidden,
		StatusText:     "Permission denied.",
		ErrorText:      err.Error(),
	}
}

var ErrNotFound = &ErrResponse{HTTPStatusCode: http.StatusNotFound, StatusText: "Resource not found."}

func ErrUnavailable(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusServiceUnavailable,
		StatusText:     "Carriage unavailable.",
		ErrorText:      err.Error(),
	}
}

func ErrRender(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusInternalServerError,
		StatusText:     "Error processing request.",
		ErrorText:      err.Error(),
	}
}

// errorFor picks the response for an error from the carriage.
func errorFor(err error) render.Renderer {
	switch cause := errors.Cause(err); cause {
	case derrors.ErrBadChannel, comms.ErrUnknownCommand:
		return ErrInvalidRequest(err)
	case derrors.ErrNotInitialised, context.Canceled:
		return ErrUnavailable(err)
	default:
		if _, ok := cause.(derrors.BackendUnavailableError); ok {
			return ErrUnavailable(err)
		}
	}
	return ErrRender(err)
}

//---
// Payloads
//---

type HomePayload struct {
	Status string        `json:"status"`
	Cause  hardware.Side `json:"cause"`
}

//---
// Views
//---

func apiRoutes(r chi.Router) {
	r.Post("/home", HomeHandler)
	r.Post("/channel/{channel}", MoveHandler)
	r.Post("/channel/{channel}/back", MoveBackHandler)
	r.Get("/switches", SwitchesHandler)
	r.Get("/status", StatusHandler)
	r.Get("/refresh_token", JWTRefresh)
}

func HomeHandler(w http.ResponseWriter, r *http.Request) {
	res, err := ENV.Conductor.ProcessCommand(r.Context(), comms.Cmd{Cmd: comms.CMD_HOME})
	if err != nil {
		render.Render(w, r, errorFor(err))
		return
	}

	render.JSON(w, r, HomePayload{Status: "homed", Cause: res.Homed})
}

func MoveHandler(w http.ResponseWriter, r *http.Request) {
	move(w, r, comms.CMD_MOVE)
}

func MoveBackHandler(w http.ResponseWriter, r *http.Request) {
	move(w, r, comms.CMD_BACK)
}

func move(w http.ResponseWriter, r *http.Request, cmd string) {
	channel, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		render.Render(w, r, ErrInvalidRequest(errors.Wrap(err, "channel must be a number")))
		return
	}

	res, err := ENV.Conductor.ProcessCommand(r.Context(), comms.Cmd{Cmd: cmd, Channel: channel})
	if err != nil {
		render.Render(w, r, errorFor(err))
		return
	}

	render.JSON(w, r, res.Result)
}

func SwitchesHandler(w http.ResponseWriter, r *http.Request) {
	left, right, err := ENV.Conductor.Device.Switches()
	if err != nil {
		render.Render(w, r, errorFor(err))
		return
	}

	render.JSON(w, r, comms.SwitchPayload{Left: left, Right: right})
}

func StatusHandler(w http.ResponseWriter, r *http.Request) {
	state, err := ENV.Conductor.Snapshot()
	if err != nil {
		render.Render(w, r, errorFor(err))
		return
	}

	render.JSON(w, r, state)
}
