package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anima-research/animachat/internal/profile"
	"github.com/anima-research/animachat/internal/version"
	"github.com/anima-research/animachat/server"
)

var (
	rootCmd = &cobra.Command{
		Use:   "animachat",
		Short: `A collaborative, event-sourced chat backend with branched message trees and streaming inference.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Systemd units carry their environment in the unit file; .env is
			// for direct binary runs only.
			if !isRunningAsSystemdService() {
				_ = godotenv.Load()
			}
			return nil
		},
		Run: func(_ *cobra.Command, _ []string) {
			instanceProfile := buildProfile()
			if err := instanceProfile.Validate(); err != nil {
				panic(err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			s, err := server.NewServer(ctx, instanceProfile)
			if err != nil {
				cancel()
				slog.Error("failed to create server", "error", err)
				return
			}

			c := make(chan os.Signal, 1)
			// SIGTERM is the default `kill` signal and the graceful shutdown
			// request of most process managers.
			signal.Notify(c, terminationSignals...)

			go func() {
				<-c
				if err := s.Shutdown(context.Background()); err != nil {
					slog.Error("shutdown failed", "error", err)
				}
				cancel()
			}()

			printGreetings(instanceProfile)

			if err := s.Start(ctx); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					slog.Error("failed to start server", "error", err)
					cancel()
				}
			}

			<-ctx.Done()
		},
	}
)

func buildProfile() *profile.Profile {
	p := &profile.Profile{
		Mode:                 viper.GetString("mode"),
		Addr:                 viper.GetString("addr"),
		Port:                 viper.GetInt("port"),
		Data:                 viper.GetString("data"),
		ConfigDir:            viper.GetString("config-dir"),
		InstanceURL:          viper.GetString("instance-url"),
		Version:              version.GetCurrentVersion(viper.GetString("mode")),
		StreamTimeoutSeconds: viper.GetInt("stream-timeout"),
	}
	p.FromEnv()
	return p
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 8230)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 8230, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory holding event logs, state and blobs")
	rootCmd.PersistentFlags().String("config-dir", "", "directory holding config.json and models.json, defaults to the data directory")
	rootCmd.PersistentFlags().String("instance-url", "", "the externally visible url of this instance")
	rootCmd.PersistentFlags().Int("stream-timeout", 600, "upstream stream timeout in seconds")

	for _, flag := range []string{"mode", "addr", "port", "data", "config-dir", "instance-url", "stream-timeout"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("animachat")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	rootCmd.AddCommand(compactCmd)
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("AnimaChat %s started successfully!\n", p.Version)

	if p.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
	}

	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Mode: %s\n", p.Mode)

	if len(p.Addr) == 0 {
		fmt.Printf("Server running on port %d\n", p.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", p.Addr, p.Port)
	}
	if p.InstanceURL != "" {
		fmt.Printf("Access AnimaChat at: %s\n", p.InstanceURL)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
