package fileserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/f4ah6o/dirserve-go/internal/config"
)

// Listing is a generated index of one directory.
type Listing struct {
	// Path is the decoded request path of the directory, always ending in "/".
	Path string `json:"path"`
	// Entries are the directory's children in display order.
	Entries []Entry `json:"entries"`
}

// Entry describes one child of a listed directory.
type Entry struct {
	// Name is the file name as stored on disk.
	Name string `json:"name"`
	// Href is the escaped link relative to the listing; directories end in "/".
	Href string `json:"href"`
	// IsDir reports whether the entry (or its symlink target) is a directory.
	IsDir bool `json:"is_dir"`
	// IsSymlink reports whether the entry itself is a symbolic link.
	IsSymlink bool `json:"is_symlink"`
	// Size is the file size in bytes; zero for directories.
	Size int64 `json:"size"`
	// ModTime is the last modification time.
	ModTime time.Time `json:"mod_time"`
}

// DisplayName is the label shown in HTML and markdown listings.
// Symlinks get a trailing "@" and other directories a trailing "/".
func (e Entry) DisplayName() string {
	switch {
	case e.IsSymlink:
		return e.Name + "@"
	case e.IsDir:
		return e.Name + "/"
	}
	return e.Name
}

// ListingFormat selects how a listing is rendered.
type ListingFormat string

const (
	FormatHTML     ListingFormat = "html"
	FormatMarkdown ListingFormat = "markdown"
	FormatJSON     ListingFormat = "json"
)

// NegotiateFormat picks the listing format. An explicit ?format= query value
// wins; otherwise the first supported media type in Accept is used.
func NegotiateFormat(query url.Values, accept string) ListingFormat {
	switch strings.ToLower(query.Get("format")) {
	case "json":
		return FormatJSON
	case "md", "markdown":
		return FormatMarkdown
	case "html":
		return FormatHTML
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mediaType {
		case "text/html", "application/xhtml+xml":
			return FormatHTML
		case "application/json":
			return FormatJSON
		case "text/markdown":
			return FormatMarkdown
		}
	}
	return FormatHTML
}

// readListing builds a Listing for the directory at dir, which is served
// under the decoded request path urlPath. Symlinks are resolved under the
// same policy as requests; one that escapes the root or may not be followed
// is listed as a bare link with no size.
func readListing(cfg config.ServerConfig, dir, urlPath string, tag language.Tag) (*Listing, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, classify("readdir", dir, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		entry := Entry{
			Name:      de.Name(),
			IsDir:     info.IsDir(),
			IsSymlink: info.Mode()&os.ModeSymlink != 0,
			ModTime:   info.ModTime(),
		}
		if entry.IsSymlink {
			if _, target, err := lookup(cfg, filepath.Join(dir, de.Name())); err == nil {
				entry.IsDir = target.IsDir()
				if !entry.IsDir {
					entry.Size = target.Size()
				}
			}
		} else if !entry.IsDir {
			entry.Size = info.Size()
		}
		entry.Href = entryHref(entry.Name, entry.IsDir)
		entries = append(entries, entry)
	}

	c := collate.New(tag)
	sort.SliceStable(entries, func(i, j int) bool {
		if cmp := c.CompareString(entries[i].Name, entries[j].Name); cmp != 0 {
			return cmp < 0
		}
		return entries[i].Name < entries[j].Name
	})

	return &Listing{Path: urlPath, Entries: entries}, nil
}

func entryHref(name string, isDir bool) string {
	href := url.PathEscape(name)
	// A colon in the first segment would be read as a URL scheme.
	if strings.Contains(href, ":") {
		href = "./" + href
	}
	if isDir {
		href += "/"
	}
	return href
}

// Render encodes the listing in the given format and returns the body and
// its content type.
func (l *Listing) Render(format ListingFormat) ([]byte, string, error) {
	switch format {
	case FormatJSON:
		body, err := json.Marshal(l)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode listing: %w", err)
		}
		return body, "application/json; charset=utf-8", nil
	case FormatMarkdown:
		page, err := l.renderHTML()
		if err != nil {
			return nil, "", err
		}
		converter := md.NewConverter("", true, nil)
		markdown, err := converter.ConvertString(string(page))
		if err != nil {
			return nil, "", fmt.Errorf("failed to convert listing to markdown: %w", err)
		}
		return []byte(markdown + "\n"), "text/markdown; charset=utf-8", nil
	default:
		page, err := l.renderHTML()
		if err != nil {
			return nil, "", err
		}
		return page, "text/html; charset=utf-8", nil
	}
}

func (l *Listing) renderHTML() ([]byte, error) {
	title := "Directory listing for " + l.Path

	list := element(atom.Ul, nil)
	for _, e := range l.Entries {
		link := element(atom.A, []html.Attribute{{Key: "href", Val: e.Href}}, text(e.DisplayName()))
		list.AppendChild(element(atom.Li, nil, link))
	}

	body := element(atom.Body, nil,
		element(atom.H1, nil, text(title)),
		element(atom.Hr, nil),
		list,
		element(atom.Hr, nil),
	)
	return renderPage(title, body)
}

// errorPage renders the short HTML body sent with error statuses.
func errorPage(status int, statusText, detail string) []byte {
	heading := fmt.Sprintf("%d %s", status, statusText)
	body := element(atom.Body, nil, element(atom.H1, nil, text(heading)))
	if detail != "" {
		body.AppendChild(element(atom.P, nil, text(detail)))
	}
	page, err := renderPage(heading, body)
	if err != nil {
		return []byte(heading + "\n")
	}
	return page
}

func renderPage(title string, body *html.Node) ([]byte, error) {
	doc := &html.Node{Type: html.DocumentNode}
	doc.AppendChild(&html.Node{Type: html.DoctypeNode, Data: "html"})
	doc.AppendChild(element(atom.Html, nil,
		element(atom.Head, nil,
			element(atom.Meta, []html.Attribute{{Key: "charset", Val: "utf-8"}}),
			element(atom.Title, nil, text(title)),
		),
		body,
	))

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("failed to render page: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func element(a atom.Atom, attrs []html.Attribute, children ...*html.Node) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
	for _, c := range children {
		n.AppendChild(c)
	}
	return n
}

func text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}
