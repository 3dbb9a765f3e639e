package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/user/claudedeck/internal/daemon"
)

func main() {
	var opts daemon.Options
	flag.StringVar(&opts.DataDir, "data-dir", "", "data directory (default: OS user config dir)")
	flag.StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "claudedeckd: %v\n", err)
		os.Exit(1)
	}
}
