// Package cnerrors defines the transport-agnostic error kinds shared by
// every component of the replication engine, and the HTTP status mapping
// used by internal/api.
package cnerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel error kinds. Use errors.Is to test for one of these against an
// error returned from any package in this module.
var (
	ErrBadRequest          = errors.New("bad request")
	ErrLocked              = errors.New("sync lock held elsewhere")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	ErrRegression          = errors.New("source clock behind local clock")
	ErrNonContiguous       = errors.New("export window is not contiguous with local clock")
	ErrClockConflict       = errors.New("clock conflict: concurrent writer")
	ErrNoPrimaryAvailable  = errors.New("no primary available")
	ErrUpstream            = errors.New("upstream fetch failed")
	ErrInternal            = errors.New("internal error")
)

// wrapped pairs an error kind with contextual detail while staying
// errors.Is-compatible with the sentinel.
type wrapped struct {
	kind error
	msg  string
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.kind }

// Wrap attaches a human-readable detail message to one of the sentinel
// kinds above, e.g. Wrap(ErrNotFound, "cid %s", cid).
func Wrap(kind error, format string, args ...any) error {
	return &wrapped{kind: kind, msg: fmt.Sprintf("%s: %s", kind.Error(), fmt.Sprintf(format, args...))}
}

// Status maps an error produced anywhere in this module to the HTTP status
// and stable string kind used by the client-facing API.
func Status(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "BadRequest"
	case errors.Is(err, ErrLocked):
		return http.StatusLocked, "Locked"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable, "RangeNotSatisfiable"
	case errors.Is(err, ErrRegression):
		return http.StatusConflict, "Regression"
	case errors.Is(err, ErrNonContiguous):
		return http.StatusConflict, "NonContiguous"
	case errors.Is(err, ErrClockConflict):
		return http.StatusConflict, "ClockConflict"
	case errors.Is(err, ErrNoPrimaryAvailable):
		return http.StatusServiceUnavailable, "NoPrimaryAvailable"
	case errors.Is(err, ErrUpstream):
		return http.StatusInternalServerError, "Upstream"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

// SelectorError is raised by internal/selector when no candidate survives
// selection; it carries the full decision trace for observability.
type SelectorError struct {
	Trace []StageTrace
}

// StageTrace is one step of a selector decision, duplicated here (rather
// than imported from internal/selector) to avoid an import cycle between
// the selector and the error package the selector itself returns.
type StageTrace struct {
	Name      string   `json:"name"`
	Survivors []string `json:"survivors"`
}

func (e *SelectorError) Error() string {
	return fmt.Sprintf("%s (%d stages recorded)", ErrNoPrimaryAvailable.Error(), len(e.Trace))
}

func (e *SelectorError) Unwrap() error { return ErrNoPrimaryAvailable }
