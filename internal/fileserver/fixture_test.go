package fileserver

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/f4ah6o/dirserve-go/internal/config"
)

// tree describes a directory layout to materialize for a test.
type tree struct {
	Files    map[string]string `yaml:"files"`
	Dirs     []string          `yaml:"dirs"`
	Outside  map[string]string `yaml:"outside"`
	Symlinks map[string]string `yaml:"symlinks"`
}

// newTestConfig builds testdata/<name>.yaml under a temp directory and
// returns a validated config rooted at "<tmp>/root".
func newTestConfig(t *testing.T, name string) config.ServerConfig {
	t.Helper()

	data, err := os.ReadFile(filepath.Join("testdata", name+".yaml"))
	if err != nil {
		t.Fatalf("Failed to read fixture %s: %v", name, err)
	}
	var tr tree
	if err := yaml.Unmarshal(data, &tr); err != nil {
		t.Fatalf("Failed to parse fixture %s: %v", name, err)
	}

	base := t.TempDir()
	root := filepath.Join(base, "root")
	mustMkdir(t, root)

	for rel, content := range tr.Files {
		writeFile(t, filepath.Join(root, filepath.FromSlash(rel)), content)
	}
	for _, rel := range tr.Dirs {
		mustMkdir(t, filepath.Join(root, filepath.FromSlash(rel)))
	}
	for rel, content := range tr.Outside {
		writeFile(t, filepath.Join(base, filepath.FromSlash(rel)), content)
	}
	for link, target := range tr.Symlinks {
		path := filepath.Join(root, filepath.FromSlash(link))
		mustMkdir(t, filepath.Dir(path))
		if err := os.Symlink(filepath.FromSlash(target), path); err != nil {
			t.Skipf("symlinks unavailable: %v", err)
		}
	}

	cfg := config.Default()
	cfg.RootDirectory = root
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	mustMkdir(t, filepath.Dir(path))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
}

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// readResponse drains and closes resp, returning its payload.
func readResponse(t *testing.T, resp *Response) []byte {
	t.Helper()
	defer resp.Close()
	if resp.Body == nil {
		return resp.Content
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	return body
}
