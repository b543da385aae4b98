package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/icos-project/polman/pkg/gateway"
)

func newRulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the rules registered in the measurement backend",
	}

	cmd.AddCommand(newRulesListCommand())
	cmd.AddCommand(newRulesPurgeCommand())

	return cmd
}

func rulesClient() (*gateway.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Prometheus.RulesAPIURL == "" {
		return nil, fmt.Errorf("prometheus rules API URL is not configured")
	}
	return gateway.New(cfg.Prometheus.RulesAPIURL, cfg.Prometheus.Timeout), nil
}

func newRulesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rule groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := rulesClient()
			if err != nil {
				return err
			}
			groups, err := client.ListRules(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				if groups == nil {
					groups = []gateway.Group{}
				}
				return printJSON(os.Stdout, groups)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "GROUP\tFILE\tPOLICY\tEXPR")
			for _, g := range groups {
				for _, r := range g.Rules {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", g.Name, g.File, r.Annotations[gateway.AnnotationPolicyID], r.Expr)
				}
			}
			return tw.Flush()
		},
	}
}

func newRulesPurgeCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every rule group from the backend",
		Long: `Delete every rule group from the measurement backend, including rules that
were not registered by polman. Policies keep their phase; reactivate them to
register their rules again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to purge without --yes")
			}
			client, err := rulesClient()
			if err != nil {
				return err
			}
			n, err := client.PurgeRules(cmd.Context())
			if err != nil {
				return fmt.Errorf("purge stopped after %d groups: %w", n, err)
			}
			log.Info().Int("groups", n).Str("rules_api", client.URL()).Msg("Rules purged")
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")

	return cmd
}
