package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/quantsys/atabus/internal/workflow"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List available workflow templates as JSON",
	Long: `List workflow templates: the built-ins plus any user templates in the
workflow_templates directory under the data dir. User templates with the
same name override built-ins.`,
	RunE: runWorkflows,
}

func init() {
	rootCmd.AddCommand(workflowsCmd)
}

func runWorkflows(cmd *cobra.Command, args []string) error {
	loader, err := workflow.NewLoader(cfg.WorkflowTemplatesDir())
	if err != nil {
		return err
	}

	type row struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Steps       int    `json:"steps"`
	}
	var rows []row
	for _, name := range loader.Names() {
		tpl, err := loader.Get(name)
		if err != nil {
			return err
		}
		rows = append(rows, row{Name: tpl.Name, Description: tpl.Description, Steps: len(tpl.Steps)})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}
