// Package fileserver serves a directory tree over HTTP.
//
// The request-to-response mapping lives in Resolve, which needs no socket and
// is what the tests exercise. Handler adapts it to net/http, and Server owns
// the listener lifecycle.
package fileserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/f4ah6o/dirserve-go/internal/config"
)

// Request carries the parts of an HTTP request that influence resolution.
type Request struct {
	Method string
	// Path is the escaped URL path, as sent by the client.
	Path            string
	RawQuery        string
	Accept          string
	AcceptLanguage  string
	IfModifiedSince string
}

// NewRequest extracts a Request from r.
func NewRequest(r *http.Request) Request {
	return Request{
		Method:          r.Method,
		Path:            r.URL.EscapedPath(),
		RawQuery:        r.URL.RawQuery,
		Accept:          r.Header.Get("Accept"),
		AcceptLanguage:  r.Header.Get("Accept-Language"),
		IfModifiedSince: r.Header.Get("If-Modified-Since"),
	}
}

// Response is the outcome of resolving a Request.
//
// Exactly one of Body and Content carries the payload. Body is an open file
// that must be streamed and closed; Content is an in-memory page.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	// Content is the in-memory body of listings, redirects and error pages.
	Content []byte
	// Err is the cause of a 4xx/5xx status, kept for logging.
	Err error
}

// Close releases the file behind Body, if any.
func (r *Response) Close() error {
	if r.Body == nil {
		return nil
	}
	err := r.Body.Close()
	r.Body = nil
	return err
}

// Resolve maps req to a response using the root directory and policies in cfg.
// cfg.RootDirectory must be absolute and symlink-free, as config.Validate leaves it.
func Resolve(cfg config.ServerConfig, req Request) *Response {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return errorResponse(req, fmt.Errorf("%w: %s", ErrMethodNotAllowed, req.Method))
	}

	segments, trailingSlash, err := splitPath(req.Path)
	if err != nil {
		return errorResponse(req, err)
	}

	realPath, info, err := lookup(cfg, filepath.Join(append([]string{cfg.RootDirectory}, segments...)...))
	if err != nil {
		return errorResponse(req, err)
	}

	if !info.IsDir() {
		if trailingSlash {
			// "/file.txt/" names a directory that does not exist.
			return errorResponse(req, fmt.Errorf("%w: %s", ErrNotFound, req.Path))
		}
		return serveFile(req, realPath, segments[len(segments)-1], info, "")
	}

	if !trailingSlash {
		return redirectResponse(req, req.Path+"/")
	}

	locales := PreferredLocales(req.AcceptLanguage)
	for _, name := range IndexCandidates(cfg.IndexFiles, locales) {
		indexPath, indexInfo, err := lookup(cfg, filepath.Join(realPath, name))
		if err != nil || !indexInfo.Mode().IsRegular() {
			continue
		}
		return serveFile(req, indexPath, name, indexInfo, localeOf(name, cfg.IndexFiles, locales))
	}

	if !cfg.Listing {
		return errorResponse(req, ErrListingDisallowed)
	}
	return serveListing(cfg, req, realPath, "/"+strings.Join(segments, "/"))
}

// splitPath decodes an escaped URL path into clean path segments.
//
// Each segment is unescaped on its own so that an encoded separator cannot
// smuggle a path component. ".." that would climb above the root is rejected.
func splitPath(escaped string) (segments []string, trailingSlash bool, err error) {
	trailingSlash = strings.HasSuffix(escaped, "/")
	for _, raw := range strings.Split(escaped, "/") {
		if raw == "" {
			continue
		}
		seg, err := url.PathUnescape(raw)
		if err != nil {
			return nil, false, fmt.Errorf("%w: bad escape in %q", ErrNotFound, escaped)
		}
		if strings.ContainsAny(seg, "/\\\x00") {
			return nil, false, fmt.Errorf("%w: encoded separator in %q", ErrPathTraversal, escaped)
		}
		switch seg {
		case ".":
		case "..":
			if len(segments) == 0 {
				return nil, false, fmt.Errorf("%w: %q", ErrPathTraversal, escaped)
			}
			segments = segments[:len(segments)-1]
		default:
			segments = append(segments, seg)
		}
	}
	return segments, trailingSlash, nil
}

// lookup resolves path under the configured symlink policy and returns the
// real path and its FileInfo. The result is guaranteed to lie inside the root.
func lookup(cfg config.ServerConfig, path string) (string, os.FileInfo, error) {
	if !within(cfg.RootDirectory, path) {
		return "", nil, fmt.Errorf("%w: %s", ErrPathTraversal, path)
	}

	if !cfg.FollowSymlinks {
		if err := rejectSymlinks(cfg.RootDirectory, path); err != nil {
			return "", nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return "", nil, classify("stat", path, err)
		}
		return path, info, nil
	}

	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", nil, classify("resolve", path, err)
	}
	if !within(cfg.RootDirectory, realPath) {
		return "", nil, fmt.Errorf("%w: %s links outside the root", ErrPathTraversal, path)
	}
	info, err := os.Stat(realPath)
	if err != nil {
		return "", nil, classify("stat", realPath, err)
	}
	return realPath, info, nil
}

// rejectSymlinks walks from root down to path and fails on the first symlink.
func rejectSymlinks(root, path string) error {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPathTraversal, path)
	}
	if rel == "." {
		return nil
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			return classify("lstat", current, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: symlink %s", ErrForbidden, current)
		}
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// localeOf reports which locale a chosen index file was localized for.
func localeOf(name string, indexFiles, locales []string) string {
	for _, loc := range locales {
		for _, index := range indexFiles {
			if LocalizedName(index, loc) == name {
				return loc
			}
		}
	}
	return ""
}

// serveFile answers with the file at path. The content type follows name, the
// requested file name, rather than a symlink target's.
func serveFile(req Request, path, name string, info os.FileInfo, locale string) *Response {
	if !info.Mode().IsRegular() {
		return errorResponse(req, fmt.Errorf("%w: not a regular file: %s", ErrForbidden, path))
	}

	header := make(http.Header)
	header.Set("Content-Type", ContentType(name))
	modTime := info.ModTime()
	if !modTime.IsZero() && modTime.Unix() > 0 {
		header.Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
	}
	if locale != "" {
		header.Set("Content-Language", locale)
	}

	if notModified(req.IfModifiedSince, modTime) {
		header.Del("Content-Type")
		return &Response{Status: http.StatusNotModified, Header: header}
	}

	header.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	if req.Method == http.MethodHead {
		return &Response{Status: http.StatusOK, Header: header}
	}

	f, err := os.Open(path)
	if err != nil {
		return errorResponse(req, classify("open", path, err))
	}
	return &Response{Status: http.StatusOK, Header: header, Body: f}
}

func notModified(ifModifiedSince string, modTime time.Time) bool {
	if ifModifiedSince == "" || modTime.IsZero() || modTime.Unix() <= 0 {
		return false
	}
	since, err := http.ParseTime(ifModifiedSince)
	if err != nil {
		return false
	}
	return !modTime.Truncate(time.Second).After(since)
}

func serveListing(cfg config.ServerConfig, req Request, dir, urlPath string) *Response {
	if !strings.HasSuffix(urlPath, "/") {
		urlPath += "/"
	}
	listing, err := readListing(cfg, dir, urlPath, collationTag(req.AcceptLanguage))
	if err != nil {
		return errorResponse(req, err)
	}

	query, _ := url.ParseQuery(req.RawQuery)
	body, contentType, err := listing.Render(NegotiateFormat(query, req.Accept))
	if err != nil {
		return errorResponse(req, &IOError{Op: "render", Path: dir, Err: err})
	}
	return contentResponse(req, http.StatusOK, contentType, body)
}

func redirectResponse(req Request, location string) *Response {
	// "//host/" would be followed as a protocol-relative URL.
	location = "/" + strings.TrimLeft(location, "/")
	if req.RawQuery != "" {
		location += "?" + req.RawQuery
	}
	resp := contentResponse(req, http.StatusMovedPermanently, "text/html; charset=utf-8",
		errorPage(http.StatusMovedPermanently, http.StatusText(http.StatusMovedPermanently), ""))
	resp.Header.Set("Location", location)
	return resp
}

func errorResponse(req Request, err error) *Response {
	status := StatusOf(err)
	resp := contentResponse(req, status, "text/html; charset=utf-8",
		errorPage(status, http.StatusText(status), publicDetail(err)))
	resp.Err = err
	switch status {
	case http.StatusMethodNotAllowed:
		resp.Header.Set("Allow", "GET, HEAD")
	case http.StatusInternalServerError:
		resp.Header.Set("Connection", "close")
	}
	return resp
}

// publicDetail is the explanation shown to clients. It never includes
// filesystem paths.
func publicDetail(err error) string {
	switch {
	case errors.Is(err, ErrListingDisallowed):
		return "Directory listing is disabled."
	case errors.Is(err, ErrPathTraversal):
		return "The requested path is outside the served directory."
	case errors.Is(err, ErrForbidden):
		return "You do not have permission to access this resource."
	case errors.Is(err, ErrNotFound):
		return "File not found."
	case errors.Is(err, ErrMethodNotAllowed):
		return "Only GET and HEAD are supported."
	}
	return "The server failed to read the requested resource."
}

func contentResponse(req Request, status int, contentType string, body []byte) *Response {
	header := make(http.Header)
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	if req.Method == http.MethodHead {
		body = nil
	}
	return &Response{Status: status, Header: header, Content: body}
}
