package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/orbitfabric/fabric/internal/profile"
	"github.com/orbitfabric/fabric/internal/version"
	"github.com/orbitfabric/fabric/server"
)

var rootCmd = &cobra.Command{
	Use:   "fabricd",
	Short: `The real-time event and RPC fabric binding a multi-tenant accounting automation platform's chat, workflow, and background task surfaces together.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		p := &profile.Profile{
			Mode:        viper.GetString("mode"),
			Addr:        viper.GetString("addr"),
			Port:        viper.GetInt("port"),
			Driver:      viper.GetString("driver"),
			DSN:         viper.GetString("dsn"),
			InstanceURL: viper.GetString("instance-url"),
			Version:     version.GetCurrentVersion(viper.GetString("mode")),
		}
		p.FromEnv()
		if err := p.Validate(); err != nil {
			slog.Error("fabricd: invalid configuration", "error", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := server.NewServer(ctx, p)
		if err != nil {
			slog.Error("fabricd: failed to build server", "error", err)
			os.Exit(1)
		}

		if err := s.Start(ctx); err != nil {
			slog.Error("fabricd: failed to start server", "error", err)
			os.Exit(1)
		}

		printGreetings(p)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, terminationSignals...)
		<-sig

		s.Shutdown(ctx)
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "postgres")
	viper.SetDefault("port", 28080)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod", "dev", or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28080, "port of server")
	rootCmd.PersistentFlags().String("driver", "postgres", "database driver (postgres, sqlite)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka. DSN)")
	rootCmd.PersistentFlags().String("instance-url", "", "the public url of this fabric instance")

	for _, flag := range []string{"mode", "addr", "port", "driver", "dsn", "instance-url"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("fabric")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("fabricd %s started successfully!\n", p.Version)
	fmt.Printf("Mode: %s\n", p.Mode)
	fmt.Printf("Database driver: %s\n", p.Driver)
	if p.Addr == "" {
		fmt.Printf("Listening on port %d\n", p.Port)
	} else {
		fmt.Printf("Listening on %s:%d\n", p.Addr, p.Port)
	}
}

// isRunningAsSystemdService detects whether the process was launched by
// systemd, which supplies its own environment instead of a local .env file.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("JOURNAL_STREAM") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("fabricd: fatal error", "error", err)
		os.Exit(1)
	}
}
