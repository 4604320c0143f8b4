package cli

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/fngate/internal/config"
)

var (
	cfgFile string
	verbose bool
)

// version is set at build time with -ldflags "-X".
var version = "0.1.0-dev"

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "fngate",
	Short: "An HTTP gateway for file-based functions",
	Long: `fngate serves a directory of functions over HTTP.

Every file in the functions directory becomes an endpoint. Parameters are
declared in doc comments, validated on each request and passed to the
function by name. Responses can be buffered, streamed as server-sent
events or run in the background.

Start serving ./functions:
  fngate serve

Start with reload on change:
  fngate dev

Scaffold a new project:
  fngate init my-api`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(config.Default().Logging, verbose)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./fngate.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version())
		},
	})
}

// loadConfig reads the config file and FNGATE_ environment overrides, then
// reconfigures logging from the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: cfgFile})
	if err != nil {
		return nil, err
	}
	if path, err := config.ConfigFilePath(cfgFile); err == nil {
		log.Debug().Str("file", path).Msg("Using config file")
	}
	setupLogging(cfg.Logging, verbose)
	return cfg, nil
}

// AddCommand adds a command to the root command.
func AddCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}

// Version returns the version string.
func Version() string {
	return fmt.Sprintf("fngate version %s", version)
}
