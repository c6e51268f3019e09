package fileserver

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"syscall"
	"testing"
	"time"
)

func TestResolve(t *testing.T) {
	cfg := newTestConfig(t, "tree")

	tests := []struct {
		name         string
		method       string
		path         string
		query        string
		acceptLang   string
		wantStatus   int
		wantBody     string
		wantType     string
		wantLocation string
	}{
		{name: "Index file", path: "/index.html", wantStatus: 200, wantBody: "<h1>hi</h1>", wantType: "text/html; charset=utf-8"},
		{name: "Nested file", path: "/docs/readme.txt", wantStatus: 200, wantBody: "hello", wantType: "text/plain; charset=utf-8"},
		{name: "Root serves index", path: "/", wantStatus: 200, wantBody: "<h1>hi</h1>"},
		{name: "Fallback index.htm", path: "/legacy/", wantStatus: 200, wantBody: "<p>legacy</p>"},
		{name: "Module script type", path: "/app/script.js", wantStatus: 200, wantType: "text/javascript; charset=utf-8"},
		{name: "Dot segment inside root", path: "/docs/../index.html", wantStatus: 200, wantBody: "<h1>hi</h1>"},
		{name: "Encoded name", path: "/gallery/with%20space.txt", wantStatus: 200, wantBody: "s"},
		{name: "Query ignored", path: "/docs/readme.txt", query: "v=2", wantStatus: 200, wantBody: "hello"},
		{name: "Symlink inside root", path: "/docs/link.txt", wantStatus: 200, wantBody: "hello", wantType: "text/plain; charset=utf-8"},
		{name: "Symlinked directory inside root", path: "/gallery/alias/readme.txt", wantStatus: 200, wantBody: "hello"},
		{name: "Localized index", path: "/app/", acceptLang: "ja-JP,en;q=0.5", wantStatus: 200, wantBody: "<p>アプリ</p>"},
		{name: "Unlocalized index", path: "/app/", acceptLang: "de", wantStatus: 200, wantBody: "<p>app</p>"},

		{name: "Directory without slash", path: "/docs", wantStatus: 301, wantLocation: "/docs/"},
		{name: "Redirect keeps query", path: "/docs", query: "format=json", wantStatus: 301, wantLocation: "/docs/?format=json"},
		{name: "Redirect collapses leading slashes", path: "//docs", wantStatus: 301, wantLocation: "/docs/"},

		{name: "Missing file", path: "/does-not-exist.txt", wantStatus: 404},
		{name: "File with trailing slash", path: "/index.html/", wantStatus: 404},
		{name: "File used as directory", path: "/index.html/x", wantStatus: 404},
		{name: "Bad escape", path: "/%zz", wantStatus: 404},

		{name: "Parent of root", path: "/../secret.txt", wantStatus: 403},
		{name: "Deep parent of root", path: "/docs/../../secret.txt", wantStatus: 403},
		{name: "Encoded dot segments", path: "/%2e%2e/secret.txt", wantStatus: 403},
		{name: "Encoded slash", path: "/docs%2f..%2f..%2fsecret.txt", wantStatus: 403},
		{name: "Encoded backslash", path: "/..%5csecret.txt", wantStatus: 403},
		{name: "Encoded NUL", path: "/index.html%00.txt", wantStatus: 403},
		{name: "Symlink out of root", path: "/escape.txt", wantStatus: 403},
		{name: "Symlinked directory out of root", path: "/escapedir/key.txt", wantStatus: 403},

		{name: "POST", method: http.MethodPost, path: "/index.html", wantStatus: 405},
		{name: "DELETE", method: http.MethodDelete, path: "/", wantStatus: 405},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			resp := Resolve(cfg, Request{Method: method, Path: tt.path, RawQuery: tt.query, AcceptLanguage: tt.acceptLang})
			body := readResponse(t, resp)

			if resp.Status != tt.wantStatus {
				t.Fatalf("Resolve(%s %s) status = %d, want %d (err: %v)", method, tt.path, resp.Status, tt.wantStatus, resp.Err)
			}
			if tt.wantBody != "" && string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
			if tt.wantType != "" && resp.Header.Get("Content-Type") != tt.wantType {
				t.Errorf("Content-Type = %q, want %q", resp.Header.Get("Content-Type"), tt.wantType)
			}
			if tt.wantLocation != "" && resp.Header.Get("Location") != tt.wantLocation {
				t.Errorf("Location = %q, want %q", resp.Header.Get("Location"), tt.wantLocation)
			}
			if tt.wantStatus >= 400 && string(body) == "top secret" {
				t.Errorf("file outside the root was served")
			}
		})
	}
}

func TestResolveContentLength(t *testing.T) {
	cfg := newTestConfig(t, "tree")

	resp := Resolve(cfg, Request{Method: http.MethodGet, Path: "/index.html"})
	body := readResponse(t, resp)
	if got := resp.Header.Get("Content-Length"); got != "11" {
		t.Errorf("Content-Length = %q, want %q", got, "11")
	}
	if len(body) != 11 {
		t.Errorf("len(body) = %d, want 11", len(body))
	}
	if resp.Header.Get("Last-Modified") == "" {
		t.Error("Last-Modified should be set")
	}
}

func TestResolveHead(t *testing.T) {
	cfg := newTestConfig(t, "tree")

	resp := Resolve(cfg, Request{Method: http.MethodHead, Path: "/index.html"})
	defer resp.Close()
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
	if resp.Body != nil || len(resp.Content) != 0 {
		t.Error("HEAD response should carry no body")
	}
	if got := resp.Header.Get("Content-Length"); got != "11" {
		t.Errorf("Content-Length = %q, want %q", got, "11")
	}

	resp = Resolve(cfg, Request{Method: http.MethodHead, Path: "/missing"})
	if resp.Status != http.StatusNotFound || len(resp.Content) != 0 {
		t.Errorf("HEAD 404 = %d with %d body bytes, want 404 and none", resp.Status, len(resp.Content))
	}
}

func TestResolveErrors(t *testing.T) {
	cfg := newTestConfig(t, "tree")

	tests := []struct {
		path    string
		method  string
		wantErr error
	}{
		{path: "/../secret.txt", wantErr: ErrPathTraversal},
		{path: "/escape.txt", wantErr: ErrPathTraversal},
		{path: "/nope", wantErr: ErrNotFound},
		{path: "/", method: http.MethodPut, wantErr: ErrMethodNotAllowed},
	}
	for _, tt := range tests {
		method := tt.method
		if method == "" {
			method = http.MethodGet
		}
		resp := Resolve(cfg, Request{Method: method, Path: tt.path})
		if !errors.Is(resp.Err, tt.wantErr) {
			t.Errorf("Resolve(%s %s).Err = %v, want %v", method, tt.path, resp.Err, tt.wantErr)
		}
	}

	resp := Resolve(cfg, Request{Method: http.MethodPost, Path: "/"})
	if got := resp.Header.Get("Allow"); got != "GET, HEAD" {
		t.Errorf("Allow = %q, want %q", got, "GET, HEAD")
	}
}

func TestResolveLocalizedIndexHeader(t *testing.T) {
	cfg := newTestConfig(t, "tree")

	resp := Resolve(cfg, Request{Method: http.MethodGet, Path: "/app/", AcceptLanguage: "ja"})
	readResponse(t, resp)
	if got := resp.Header.Get("Content-Language"); got != "ja" {
		t.Errorf("Content-Language = %q, want %q", got, "ja")
	}

	resp = Resolve(cfg, Request{Method: http.MethodGet, Path: "/app/"})
	readResponse(t, resp)
	if got := resp.Header.Get("Content-Language"); got != "" {
		t.Errorf("Content-Language = %q, want empty", got)
	}
}

func TestResolveListingPolicy(t *testing.T) {
	cfg := newTestConfig(t, "tree")

	resp := Resolve(cfg, Request{Method: http.MethodGet, Path: "/empty/"})
	readResponse(t, resp)
	if resp.Status != http.StatusOK {
		t.Errorf("listing status = %d, want 200", resp.Status)
	}

	cfg.Listing = false
	resp = Resolve(cfg, Request{Method: http.MethodGet, Path: "/empty/"})
	readResponse(t, resp)
	if resp.Status != http.StatusForbidden {
		t.Errorf("disabled listing status = %d, want 403", resp.Status)
	}
	if !errors.Is(resp.Err, ErrListingDisallowed) {
		t.Errorf("Err = %v, want ErrListingDisallowed", resp.Err)
	}

	// Index files still win when listing is off.
	resp = Resolve(cfg, Request{Method: http.MethodGet, Path: "/"})
	if body := readResponse(t, resp); string(body) != "<h1>hi</h1>" {
		t.Errorf("body = %q, want index.html", body)
	}
}

func TestResolveNoFollowSymlinks(t *testing.T) {
	cfg := newTestConfig(t, "tree")
	cfg.FollowSymlinks = false

	for _, path := range []string{"/docs/link.txt", "/gallery/alias/readme.txt", "/escape.txt"} {
		resp := Resolve(cfg, Request{Method: http.MethodGet, Path: path})
		readResponse(t, resp)
		if resp.Status != http.StatusForbidden {
			t.Errorf("Resolve(%s) status = %d, want 403", path, resp.Status)
		}
	}

	resp := Resolve(cfg, Request{Method: http.MethodGet, Path: "/docs/readme.txt"})
	if body := readResponse(t, resp); string(body) != "hello" {
		t.Errorf("plain file body = %q, want %q", body, "hello")
	}
}

func TestResolveIfModifiedSince(t *testing.T) {
	cfg := newTestConfig(t, "tree")

	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	resp := Resolve(cfg, Request{Method: http.MethodGet, Path: "/index.html", IfModifiedSince: future})
	body := readResponse(t, resp)
	if resp.Status != http.StatusNotModified {
		t.Errorf("status = %d, want 304", resp.Status)
	}
	if len(body) != 0 {
		t.Errorf("304 should have no body, got %q", body)
	}

	past := time.Now().Add(-24 * time.Hour).UTC().Format(http.TimeFormat)
	resp = Resolve(cfg, Request{Method: http.MethodGet, Path: "/index.html", IfModifiedSince: past})
	readResponse(t, resp)
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.Status)
	}

	resp = Resolve(cfg, Request{Method: http.MethodGet, Path: "/index.html", IfModifiedSince: "yesterday"})
	readResponse(t, resp)
	if resp.Status != http.StatusOK {
		t.Errorf("unparseable If-Modified-Since status = %d, want 200", resp.Status)
	}
}

func TestResolveUnreadableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read any file")
	}
	cfg := newTestConfig(t, "tree")
	path := filepath.Join(cfg.RootDirectory, "locked.txt")
	writeFile(t, path, "locked")
	if err := os.Chmod(path, 0o000); err != nil {
		t.Fatal(err)
	}

	resp := Resolve(cfg, Request{Method: http.MethodGet, Path: "/locked.txt"})
	readResponse(t, resp)
	if resp.Status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.Status)
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		escaped      string
		wantSegments []string
		wantTrailing bool
		wantErr      error
	}{
		{escaped: "/", wantTrailing: true},
		{escaped: "/a/b", wantSegments: []string{"a", "b"}},
		{escaped: "/a//b/", wantSegments: []string{"a", "b"}, wantTrailing: true},
		{escaped: "/a/./b/../c", wantSegments: []string{"a", "c"}},
		{escaped: "/a%20b", wantSegments: []string{"a b"}},
		{escaped: "/a/..", wantSegments: []string{}},
		{escaped: "/..", wantErr: ErrPathTraversal},
		{escaped: "/a/../..", wantErr: ErrPathTraversal},
		{escaped: "/a%2Fb", wantErr: ErrPathTraversal},
		{escaped: "/%", wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.escaped, func(t *testing.T) {
			segments, trailing, err := splitPath(tt.escaped)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("splitPath(%q) error = %v, want %v", tt.escaped, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if !reflect.DeepEqual(segments, tt.wantSegments) {
				t.Errorf("splitPath(%q) segments = %q, want %q", tt.escaped, segments, tt.wantSegments)
			}
			if trailing != tt.wantTrailing {
				t.Errorf("splitPath(%q) trailing = %v, want %v", tt.escaped, trailing, tt.wantTrailing)
			}
		})
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: nil, want: 200},
		{err: ErrPathTraversal, want: 403},
		{err: ErrListingDisallowed, want: 403},
		{err: ErrNotFound, want: 404},
		{err: ErrMethodNotAllowed, want: 405},
		{err: &IOError{Op: "read", Path: "/x", Err: errors.New("disk on fire")}, want: 500},
	}
	for _, tt := range tests {
		if got := StatusOf(tt.err); got != tt.want {
			t.Errorf("StatusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		cause      syscall.Errno
		wantStatus int
		wantIO     bool
	}{
		{name: "Missing", cause: syscall.ENOENT, wantStatus: 404},
		{name: "Not a directory", cause: syscall.ENOTDIR, wantStatus: 404},
		{name: "Permission", cause: syscall.EACCES, wantStatus: 403},
		{name: "Device failure", cause: syscall.EIO, wantStatus: 500, wantIO: true},
		{name: "Too many open files", cause: syscall.EMFILE, wantStatus: 500, wantIO: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("open", "/x", &os.PathError{Op: "open", Path: "/x", Err: tt.cause})

			var ioErr *IOError
			if got := errors.As(err, &ioErr); got != tt.wantIO {
				t.Errorf("classify() = %v, is IOError %v, want %v", err, got, tt.wantIO)
			}
			if tt.wantIO && !errors.Is(err, tt.cause) {
				t.Errorf("classify() = %v, lost the cause %v", err, tt.cause)
			}
			if got := StatusOf(err); got != tt.wantStatus {
				t.Errorf("StatusOf(classify()) = %d, want %d", got, tt.wantStatus)
			}

			resp := errorResponse(Request{Method: http.MethodGet, Path: "/x"}, err)
			if resp.Status != tt.wantStatus {
				t.Errorf("errorResponse() status = %d, want %d", resp.Status, tt.wantStatus)
			}
			wantConn := ""
			if tt.wantIO {
				wantConn = "close"
			}
			if got := resp.Header.Get("Connection"); got != wantConn {
				t.Errorf("Connection = %q, want %q", got, wantConn)
			}
		})
	}
}
