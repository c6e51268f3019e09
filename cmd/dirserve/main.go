// Command dirserve serves a directory over HTTP.
//
// Usage:
//
//	dirserve [-addr 0.0.0.0] [-port 8888] [-listing=true] [dir]
//
// DIRSERVE_ADDR, DIRSERVE_PORT (or PORT), DIRSERVE_DIR, DIRSERVE_LISTING and
// DIRSERVE_LOG_LEVEL provide defaults that flags override.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/f4ah6o/dirserve-go/internal/config"
	"github.com/f4ah6o/dirserve-go/internal/fileserver"
)

func main() {
	os.Exit(run(os.Args[1:], os.Getenv, os.Stderr))
}

func run(args []string, getenv func(string) string, stderr io.Writer) int {
	log := logrus.New()
	log.SetOutput(stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(args, getenv, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		log.Errorf("Failed to load configuration: %v", err)
		return 1
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fileserver.Start(ctx, cfg, log); err != nil {
		var bindErr *fileserver.BindError
		if errors.As(err, &bindErr) {
			log.Errorf("Failed to bind %s: %v", bindErr.Addr, bindErr.Err)
		} else {
			log.Errorf("Server error: %v", err)
		}
		return 1
	}
	return 0
}
