package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/icos-project/polman/pkg/api"
	"github.com/icos-project/polman/pkg/app"
	"github.com/icos-project/polman/pkg/model"
	"github.com/icos-project/polman/pkg/stores"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "policies",
		Aliases: []string{"policy", "pol"},
		Short:   "Manage policies in the configured store",
		Long: `Manage policies directly in the configured store.

The commands build the same components as the server, so activation and
deactivation register and remove rules in the configured measurement backend.
They are meant for persistent stores; with the in-memory store every change is
lost when the command exits.`,
	}

	cmd.AddCommand(newPoliciesListCommand())
	cmd.AddCommand(newPoliciesGetCommand())
	cmd.AddCommand(newPoliciesCreateCommand())
	cmd.AddCommand(newPoliciesDeleteCommand())
	cmd.AddCommand(newPoliciesActivateCommand())
	cmd.AddCommand(newPoliciesDeactivateCommand())
	cmd.AddCommand(newPoliciesSetVarCommand())
	cmd.AddCommand(newPoliciesUnsetVarCommand())
	cmd.AddCommand(newPoliciesStatsCommand())

	return cmd
}

// runWithApp loads the configuration and runs fn against the wired
// components.
func runWithApp(cmd *cobra.Command, fn func(*app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DB.Type == "inmemory" {
		log.Warn().Msg("Using the in-memory store, changes will not be kept")
	}
	return withApp(cmd.Context(), cfg, fn)
}

func newPoliciesListCommand() *cobra.Command {
	var (
		filters []string
		sortBy  string
		order   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List policies",
		Example: `  # List every policy
  polman policies list

  # List the enforced policies of an application, newest first
  polman policies list --filter status.phase=enforced --filter subject.appName=web --order desc`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseFilters(filters)
			if err != nil {
				return err
			}
			return runWithApp(cmd, func(a *app.App) error {
				policies, err := a.Registry.FindPolicies(cmd.Context(), f, sortBy, order)
				if err != nil {
					return err
				}
				return printPolicies(policies)
			})
		},
	}

	cmd.Flags().StringArrayVar(&filters, "filter", nil, "filter as path=value (repeatable)")
	cmd.Flags().StringVar(&sortBy, "sort-by", "", "dotted path to sort on")
	cmd.Flags().StringVar(&order, "order", "", "sort order (asc or desc)")

	return cmd
}

func parseFilters(raw []string) (stores.Filters, error) {
	f := stores.Filters{}
	for _, r := range raw {
		k, v, ok := strings.Cut(r, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid filter %q, expected path=value", r)
		}
		f[k] = v
	}
	return f, nil
}

func newPoliciesGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app.App) error {
				p, err := a.Registry.GetByID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printPolicy(p)
			})
		},
	}
}

func newPoliciesCreateCommand() *cobra.Command {
	var (
		file          string
		doNotActivate bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a policy from a YAML or JSON file",
		Example: `  # Create and activate a policy
  polman policies create -f host-load.yaml

  # Create without activating
  polman policies create -f host-load.json --do-not-activate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readPolicyFile(file)
			if err != nil {
				return err
			}
			return runWithApp(cmd, func(a *app.App) error {
				p, err := a.Registry.CreatePolicy(cmd.Context(), req, !doNotActivate)
				if err != nil {
					return err
				}
				log.Info().Str("policy_id", p.ID).Str("phase", string(p.Status.Phase)).Msg("Policy created")
				return printPolicy(p)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "policy file (YAML or JSON)")
	cmd.Flags().BoolVar(&doNotActivate, "do-not-activate", false, "create the policy inactive")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// readPolicyFile decodes a creation request. YAML documents are converted
// to JSON so the subject, spec and action unions decode the same way as on
// the API.
func readPolicyFile(path string) (*model.PolicyCreate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse policy file: %w", err)
		}
		data, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert policy file: %w", err)
		}
	}

	var req model.PolicyCreate
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	return &req, nil
}

func newPoliciesDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Deactivate and delete a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app.App) error {
				if err := a.Registry.DeletePolicy(cmd.Context(), args[0]); err != nil {
					return err
				}
				log.Info().Str("policy_id", args[0]).Msg("Policy deleted")
				return nil
			})
		},
	}
}

func newPoliciesActivateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <id>",
		Short: "Register a policy with the measurement backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app.App) error {
				p, err := a.Registry.Activate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				log.Info().Str("policy_id", p.ID).Str("phase", string(p.Status.Phase)).Msg("Policy activated")
				return nil
			})
		},
	}
}

func newPoliciesDeactivateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Remove a policy from the measurement backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app.App) error {
				p, err := a.Registry.Deactivate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				log.Info().Str("policy_id", p.ID).Str("phase", string(p.Status.Phase)).Msg("Policy deactivated")
				return nil
			})
		},
	}
}

func newPoliciesSetVarCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-var <id> <name> <value>",
		Short: "Set a policy variable and re-render the policy",
		Long: `Set a policy variable. The value is stored as an integer if it parses as
one, else as a float, else as a string. An active policy is re-registered with
the new rendering.`,
		Example: `  polman policies set-var 0b6c... thresholds 0.8`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := api.ParseVariableValue(args[2])
			return runWithApp(cmd, func(a *app.App) error {
				p, err := a.Registry.SetVariable(cmd.Context(), args[0], args[1], value)
				if err != nil {
					return err
				}
				log.Info().Str("policy_id", p.ID).Str("variable", args[1]).Interface("value", value).Msg("Variable set")
				return nil
			})
		},
	}
}

func newPoliciesUnsetVarCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unset-var <id> <name>",
		Short: "Remove a policy variable and re-render the policy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app.App) error {
				p, err := a.Registry.SetVariable(cmd.Context(), args[0], args[1], nil)
				if err != nil {
					return err
				}
				log.Info().Str("policy_id", p.ID).Str("variable", args[1]).Msg("Variable removed")
				return nil
			})
		},
	}
}

func newPoliciesStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count policies per phase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(a *app.App) error {
				st, err := a.Registry.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(os.Stdout, st)
				}
				fmt.Printf("total=%d active=%d inactive=%d enforced=%d violated=%d unknown=%d\n",
					st.Total, st.Active, st.Inactive, st.Enforced, st.Violated, st.Unknown)
				return nil
			})
		},
	}
}
