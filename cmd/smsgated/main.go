// smsgated runs the SMS gateway: it drives the configured modems,
// forwards received SMS by E-mail and answers the TLS RPC API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/pentagridsec/smsgate/internal/config"
	"github.com/pentagridsec/smsgate/internal/gateway"
	"github.com/pentagridsec/smsgate/internal/logging"
	"github.com/pentagridsec/smsgate/internal/sandbox"
	"github.com/pentagridsec/smsgate/internal/version"
)

func main() {
	var (
		configPath  = flag.String("config", "conf/smsgate.conf", "Path to the main configuration file")
		simPath     = flag.String("sim-config", "conf/sim-cards.conf", "Path to the SIM card configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("smsgated %s\n", version.Full())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Log files and the serial port hint file must not be readable by
	// other users.
	unix.Umask(0o007)

	if err := logging.Initialize(&logging.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Console:    cfg.Logging.Console,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Close()

	logging.Infof("smsgate %s starting", version.Full())

	if cfg.Seccomp.Enabled {
		if err := sandbox.Apply(); err != nil {
			logging.Fatalf("Failed to apply seccomp filter: %v", err)
		}
	}

	for _, path := range []string{*configPath, *simPath} {
		if err := config.CheckFilePermissions(path); err != nil {
			logging.Fatalf("Refusing to start: %v", err)
		}
	}

	modems, err := config.LoadModems(*simPath, cfg.Pool.SelfTestInterval)
	if err != nil {
		logging.Fatalf("Failed to load SIM configuration: %v", err)
	}

	daemon := gateway.New(cfg, modems)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logging.Infof("Shutdown signal received")
		cancel()
	}()

	if err := daemon.Run(ctx); err != nil {
		logging.Fatalf("Gateway terminated: %v", err)
	}
	logging.Infof("Gateway stopped")
}
