// Package config builds the immutable server configuration from defaults,
// environment variables and command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Defaults used when neither the environment nor flags provide a value.
const (
	DefaultBindAddress     = "0.0.0.0"
	DefaultPort            = 8888
	DefaultRootDirectory   = "."
	DefaultLogLevel        = "info"
	DefaultShutdownTimeout = 5 * time.Second
)

// DefaultIndexFiles lists the index documents tried, in order, for a directory request.
var DefaultIndexFiles = []string{"index.html", "index.htm"}

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ServerConfig holds everything the file server needs to start.
// It is built once at process start and never modified afterwards.
type ServerConfig struct {
	// BindAddress is the interface to listen on (e.g., "0.0.0.0" or "127.0.0.1").
	BindAddress string
	// Port is the TCP port, 1-65535.
	Port int
	// RootDirectory is the directory files are served from.
	// After Validate it is absolute and symlink-free.
	RootDirectory string
	// Listing enables generated directory listings when no index file exists.
	Listing bool
	// IndexFiles are tried in order when a directory is requested.
	IndexFiles []string
	// FollowSymlinks allows symlinks whose targets stay inside RootDirectory.
	FollowSymlinks bool
	// LogLevel is a logrus level name.
	LogLevel string
	// ShutdownTimeout bounds graceful shutdown after a signal.
	ShutdownTimeout time.Duration
}

// Default returns the configuration used when nothing is overridden.
func Default() ServerConfig {
	return ServerConfig{
		BindAddress:     DefaultBindAddress,
		Port:            DefaultPort,
		RootDirectory:   DefaultRootDirectory,
		Listing:         true,
		IndexFiles:      append([]string(nil), DefaultIndexFiles...),
		FollowSymlinks:  true,
		LogLevel:        DefaultLogLevel,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// Addr returns the host:port pair to listen on.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// Load applies environment overrides and then flags on top of Default.
// getenv is usually os.Getenv; args excludes the program name.
// The returned config has been validated.
func Load(args []string, getenv func(string) string, output io.Writer) (ServerConfig, error) {
	cfg := Default()
	if err := applyEnv(&cfg, getenv); err != nil {
		return ServerConfig{}, err
	}

	fs := flag.NewFlagSet("dirserve", flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}
	fs.StringVar(&cfg.BindAddress, "addr", cfg.BindAddress, "Address to bind to")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port to serve on")
	fs.StringVar(&cfg.RootDirectory, "dir", cfg.RootDirectory, "Directory to serve")
	fs.BoolVar(&cfg.Listing, "listing", cfg.Listing, "Generate directory listings when no index file exists")
	index := fs.String("index", strings.Join(cfg.IndexFiles, ","), "Comma-separated index file names")
	fs.BoolVar(&cfg.FollowSymlinks, "follow-symlinks", cfg.FollowSymlinks, "Follow symlinks that stay inside the served directory")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout")

	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}
	switch fs.NArg() {
	case 0:
	case 1:
		cfg.RootDirectory = fs.Arg(0)
	default:
		return ServerConfig{}, fmt.Errorf("%w: expected at most one directory argument, got %d", ErrInvalidConfig, fs.NArg())
	}
	cfg.IndexFiles = splitList(*index)

	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *ServerConfig, getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	if v := getenv("DIRSERVE_ADDR"); v != "" {
		cfg.BindAddress = v
	}
	// PORT is honored for platforms that inject it; DIRSERVE_PORT wins.
	for _, key := range []string{"PORT", "DIRSERVE_PORT"} {
		v := getenv(key)
		if v == "" {
			continue
		}
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, key, v)
		}
		cfg.Port = port
	}
	if v := getenv("DIRSERVE_DIR"); v != "" {
		cfg.RootDirectory = v
	}
	if v := getenv("DIRSERVE_LISTING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: DIRSERVE_LISTING=%q is not a boolean", ErrInvalidConfig, v)
		}
		cfg.Listing = b
	}
	if v := getenv("DIRSERVE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

// Validate checks the port range and that the root directory exists, is a
// directory and can be read. On success RootDirectory is rewritten to its
// absolute, symlink-resolved form.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalidConfig, c.Port)
	}
	if c.BindAddress != "" && net.ParseIP(c.BindAddress) == nil && c.BindAddress != "localhost" {
		return fmt.Errorf("%w: bind address %q is not an IP address", ErrInvalidConfig, c.BindAddress)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown timeout %s must be positive", ErrInvalidConfig, c.ShutdownTimeout)
	}
	for _, name := range c.IndexFiles {
		if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return fmt.Errorf("%w: index file %q must be a plain file name", ErrInvalidConfig, name)
		}
	}

	absDir, err := filepath.Abs(c.RootDirectory)
	if err != nil {
		return fmt.Errorf("failed to resolve directory %s: %w", c.RootDirectory, err)
	}
	realDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: directory does not exist: %s", ErrInvalidConfig, absDir)
		}
		return fmt.Errorf("failed to resolve directory %s: %w", absDir, err)
	}
	info, err := os.Stat(realDir)
	if err != nil {
		return fmt.Errorf("failed to stat directory %s: %w", realDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: not a directory: %s", ErrInvalidConfig, realDir)
	}
	f, err := os.Open(realDir)
	if err != nil {
		return fmt.Errorf("%w: directory is not readable: %s: %v", ErrInvalidConfig, realDir, err)
	}
	_, err = f.Readdirnames(1)
	f.Close()
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: directory is not readable: %s: %v", ErrInvalidConfig, realDir, err)
	}

	c.RootDirectory = realDir
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
