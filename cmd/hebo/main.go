// Command hebo runs the MQTT broker.
//
//	hebo -c /etc/hebo/hebo.yaml        start with a config file
//	hebo -c /etc/hebo/hebo.yaml -t     validate the config and exit
//	hebo -c /etc/hebo/hebo.yaml -s     signal the broker named by the config's pid_file to stop
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/RustRobotics/hebo-sub002/broker"
	"github.com/RustRobotics/hebo-sub002/config"
)

var (
	configPath string
	checkOnly  bool
	signalStop bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hebo",
		Short:         "hebo is an MQTT v3.1/v3.1.1/v5 broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the broker configuration file")
	cmd.Flags().BoolVarP(&checkOnly, "test", "t", false, "validate the configuration and exit")
	cmd.Flags().BoolVarP(&signalStop, "stop", "s", false, "signal the running broker to stop")

	return cmd
}

func run() error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if checkOnly {
		fmt.Printf("%s: configuration ok\n", configPath)
		return nil
	}

	if signalStop {
		return stopRunning(cfg.General.PIDFile)
	}

	if cfg.General.PIDFile != "" {
		if err := writePIDFile(cfg.General.PIDFile); err != nil {
			return err
		}
		defer os.Remove(cfg.General.PIDFile)
	}

	srv, err := broker.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writePIDFile(path string) error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing pid file %s: %w", path, err)
	}
	return nil
}

func stopRunning(pidFile string) error {
	if pidFile == "" {
		return fmt.Errorf("no pid_file configured; cannot signal the running broker")
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("reading pid file %s: %w", pidFile, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("pid file %s: %w", pidFile, err)
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling pid %d: %w", pid, err)
	}
	return nil
}
