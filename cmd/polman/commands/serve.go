package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/icos-project/polman/pkg/app"
)

func newServeCommand() *cobra.Command {
	var (
		host  string
		port  int
		debug bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the polman API server",
		Long: `Run the polman REST API together with the Alertmanager webhook receiver.

The server keeps the policy phase gauges in sync with the store and, when
configured, serves metrics on a separate listener and reloads admission rules
on change.`,
		Example: `  # Serve with the defaults (in-memory store, 127.0.0.1:8000)
  polman serve

  # Serve with a config file on all interfaces
  polman serve -c /etc/polman/config.yaml --host 0.0.0.0

  # Enable the force-violation and force-resolution endpoints
  polman serve --enable-debug-calls`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.API.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.API.Port = port
			}
			if debug {
				cfg.API.EnableDebugCalls = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return withApp(cmd.Context(), cfg, func(a *app.App) error {
				log.Info().
					Str("address", cfg.Address()).
					Str("root", cfg.API.Root).
					Str("store", cfg.DB.Type).
					Str("rules_api", cfg.Prometheus.RulesAPIURL).
					Msg("Starting polman")
				return a.Serve(cmd.Context())
			})
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	cmd.Flags().BoolVar(&debug, "enable-debug-calls", false, "enable the force-violation and force-resolution endpoints")

	return cmd
}
