package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/icos-project/polman/pkg/model"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printPolicies(policies []*model.Policy) error {
	if jsonOutput {
		if policies == nil {
			policies = []*model.Policy{}
		}
		return printJSON(os.Stdout, policies)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSUBJECT\tSPEC\tPHASE")
	for _, p := range policies {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, subjectType(p.Subject), specType(p.Spec), p.Status.Phase)
	}
	return tw.Flush()
}

func printPolicy(p *model.Policy) error {
	if jsonOutput {
		return printJSON(os.Stdout, p)
	}

	fmt.Printf("ID:       %s\n", p.ID)
	fmt.Printf("Name:     %s\n", p.Name)
	fmt.Printf("Subject:  %s %v\n", subjectType(p.Subject), subjectFields(p.Subject))
	fmt.Printf("Spec:     %s\n", specType(p.Spec))
	fmt.Printf("Phase:    %s\n", p.Status.Phase)
	if spec, ok := p.Status.RenderedSpec.(*model.TelemetrySpec); ok {
		fmt.Printf("Expr:     %s\n", spec.Expr)
	}
	if len(p.Variables) > 0 {
		fmt.Printf("Variables:\n")
		for k, v := range p.Variables {
			fmt.Printf("  %s = %v\n", k, v)
		}
	}
	for name, backend := range p.Status.MeasurementBackends {
		fmt.Printf("Backend:  %s %v\n", name, backend)
	}
	fmt.Printf("Events:   %d\n", len(p.Status.Events))
	return nil
}

func subjectType(s model.Subject) string {
	if s == nil {
		return "-"
	}
	return string(s.Type())
}

func subjectFields(s model.Subject) map[string]string {
	if s == nil {
		return nil
	}
	return s.Fields()
}

func specType(s model.Spec) string {
	if s == nil {
		return "-"
	}
	return string(s.Type())
}
