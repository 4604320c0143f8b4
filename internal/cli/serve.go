package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/fngate/internal/config"
	"github.com/watzon/fngate/internal/server"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort      int
	serveHost      string
	serveFunctions string
	serveNoWatch   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the functions directory",
	Long: `Start the gateway.

Every function in the functions directory is served at its route. Admin
endpoints live under /_/ unless server.admin is false.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, false)
	},
}

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Serve with development settings",
	Long: `Start the gateway in development mode.

Development mode:
  - reloads the route table when files in the functions directory change
  - keeps running when functions fail to load, until they are fixed
  - includes stack traces in error responses

Use --no-watch to disable file watching.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, true)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{serveCmd, devCmd} {
		cmd.Flags().IntVarP(&servePort, "port", "p", config.DefaultPort, "Port to listen on")
		cmd.Flags().StringVar(&serveHost, "host", config.DefaultHost, "Host to bind to")
		cmd.Flags().StringVarP(&serveFunctions, "functions", "f", "", "Functions directory (default from config)")
		rootCmd.AddCommand(cmd)
	}
	devCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Disable file watching")
}

func runServe(cmd *cobra.Command, dev bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg, dev)

	srv, err := server.New(cfg, server.WithVersion(version))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	logServerInfo(cfg, srv)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("Server error")
		}
		return err
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return <-errCh
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config, dev bool) {
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if serveFunctions != "" {
		cfg.Functions.Path = serveFunctions
	}
	if dev {
		cfg.Dev.Enabled = true
		cfg.Gateway.ExposeStacks = true
		if serveNoWatch {
			cfg.Dev.Watch = false
		}
	}
}

func logServerInfo(cfg *config.Config, srv *server.Server) {
	scheme := "http"
	if cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	base := scheme + "://" + cfg.Server.Address()

	log.Info().Str("url", base).Msg("Server started")

	for _, def := range srv.Registry().Table().Functions() {
		log.Info().
			Str("function", def.Name).
			Str("endpoint", base+def.Route).
			Msg("Function endpoint")
	}

	if n := srv.Scheduler().Len(); n > 0 {
		log.Info().Int("schedules", n).Msg("Scheduled invocations")
	}

	if cfg.Server.Admin {
		log.Info().
			Str("health", base+"/_/health").
			Str("metrics", base+"/_/metrics").
			Msg("Admin endpoints")
	}

	if srv.Maintenance() {
		log.Warn().Msg("Maintenance mode is on")
	}
}
