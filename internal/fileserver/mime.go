package fileserver

import (
	_ "embed"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultContentType is used when the extension is unknown.
const DefaultContentType = "application/octet-stream"

//go:embed mimetypes.toml
var mimeTable []byte

type contentTypeTable struct {
	Types map[string]string `toml:"types"`
}

var contentTypes = mustLoadContentTypes(mimeTable)

func mustLoadContentTypes(data []byte) map[string]string {
	types, err := loadContentTypes(data)
	if err != nil {
		panic(err)
	}
	return types
}

func loadContentTypes(data []byte) (map[string]string, error) {
	var table contentTypeTable
	if _, err := toml.Decode(string(data), &table); err != nil {
		return nil, fmt.Errorf("failed to parse content type table: %w", err)
	}
	types := make(map[string]string, len(table.Types))
	for ext, ctype := range table.Types {
		if !strings.HasPrefix(ext, ".") {
			return nil, fmt.Errorf("content type table: extension %q must start with a dot", ext)
		}
		types[strings.ToLower(ext)] = ctype
	}
	return types, nil
}

// ContentType guesses the content type of name from its extension.
func ContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return DefaultContentType
	}
	if ctype, ok := contentTypes[ext]; ok {
		return ctype
	}
	if ctype := mime.TypeByExtension(ext); ctype != "" {
		return ctype
	}
	return DefaultContentType
}
