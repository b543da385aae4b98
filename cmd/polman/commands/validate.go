package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/icos-project/polman/pkg/admission"
	"github.com/icos-project/polman/pkg/catalog"
	"github.com/icos-project/polman/pkg/model"
	"github.com/icos-project/polman/pkg/render"
)

// validationReport is the --json output of validate.
type validationReport struct {
	Valid     bool              `json:"valid"`
	Error     string            `json:"error,omitempty"`
	Admission *admission.Result `json:"admission,omitempty"`
	Rendered  model.Spec        `json:"rendered,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a policy file without storing it",
		Long: `Check a policy file the way the server would on creation.

This command checks:
  - Request structure and required fields
  - Admission rules (builtin and configured)
  - Rendering of the spec with the policy variables`,
		Example: `  # Validate a policy
  polman validate -f host-load.yaml

  # Validate against extra admission rules
  POLMAN_ADMISSION_PATHS=./rules polman validate -f host-load.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			req, err := readPolicyFile(file)
			if err != nil {
				return err
			}

			report := &validationReport{Valid: true}
			defer func() {
				if jsonOutput {
					_ = printJSON(os.Stdout, report)
				}
			}()

			fail := func(err error) error {
				report.Valid = false
				report.Error = err.Error()
				return err
			}

			if err := req.Validate(); err != nil {
				return fail(err)
			}

			if cfg.Admission.Enabled {
				engine, err := admission.NewEngine(log.Logger)
				if err != nil {
					return err
				}
				if len(cfg.Admission.Paths) > 0 {
					if err := engine.LoadRules(cmd.Context(), cfg.Admission.Paths); err != nil {
						return err
					}
				}
				result, err := engine.Evaluate(cmd.Context(), req)
				if err != nil {
					return err
				}
				report.Admission = result
				for _, w := range result.Warnings {
					log.Warn().Str("rule", w.Rule).Msg(w.Message)
				}
				if !result.Allowed {
					return fail(model.NewAdmissionError(result.Messages()))
				}
			}

			cat, err := catalog.Load(cfg.Catalog.Path)
			if err != nil {
				return err
			}
			rendered, err := render.New(cat).Render(model.NewPolicy("validate", req))
			if err != nil {
				return fail(err)
			}
			report.Rendered = rendered

			if !jsonOutput {
				fmt.Printf("Policy %s is valid\n", req.Name)
				if spec, ok := rendered.(*model.TelemetrySpec); ok {
					fmt.Printf("Rendered expr: %s\n", spec.Expr)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "policy file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
