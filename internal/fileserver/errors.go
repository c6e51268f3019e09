package fileserver

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
)

// Request-level errors. Each maps to one HTTP status via StatusOf.
var (
	ErrPathTraversal     = errors.New("path escapes the served directory")
	ErrForbidden         = errors.New("access forbidden")
	ErrNotFound          = errors.New("file not found")
	ErrMethodNotAllowed  = errors.New("method not allowed")
	ErrListingDisallowed = fmt.Errorf("%w: directory listing disabled", ErrForbidden)
)

// BindError reports that the listening socket could not be opened.
// It is only returned during startup and is fatal.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to listen on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// IOError wraps a filesystem failure other than a missing file or a
// permission problem. It is answered with 500 and the connection is closed.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// StatusOf returns the HTTP status code for err. Anything unrecognized,
// including *IOError, is a 500.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrPathTraversal), errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// classify turns an error from the os package into one of the request errors.
func classify(op, path string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %s", ErrForbidden, path)
	default:
		return &IOError{Op: op, Path: path, Err: err}
	}
}
