package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/quantsys/atabus/internal/registry"
)

var agentsPending bool

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents as JSON",
	Long: `List the agents known to the registry, with their roles, numeric
codes, liveness status, and load counters.

Use --pending to list registration applications awaiting admin approval
instead of registered agents.

Examples:
  # List registered agents
  atabus agents

  # List pending applications
  atabus agents --pending`,
	RunE: runAgents,
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsPending, "pending", false,
		"list pending applications instead of registered agents")
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	reg, err := registry.New(cfg.RegistryDir())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if agentsPending {
		return enc.Encode(reg.Applications())
	}

	agents := reg.All()
	type row struct {
		registry.Agent
		Display string `json:"display_name"`
	}
	rows := make([]row, 0, len(agents))
	for _, a := range agents {
		rows = append(rows, row{Agent: a, Display: a.DisplayName()})
	}
	return enc.Encode(rows)
}
