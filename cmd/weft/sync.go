package main

import (
	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/debug"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full reconcile pass across all configured sources",
	Long: `Pull from every configured source (beads, GitHub, Linear), merge into the
canonical store under the configured conflict policy, and recompile the
template outputs. Webhook-driven deployments rarely need this; it exists
for catch-up after downtime and for installations without ingress.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(rootCtx)
		if err != nil {
			return err
		}
		defer a.close()

		total := 0
		n, err := pullBeads(rootCtx, a)
		if err != nil {
			return err
		}
		total += n

		if a.engine.GitHub != nil {
			n, err = pullGitHub(rootCtx, a)
			if err != nil {
				return err
			}
			total += n
		}
		if a.engine.Linear != nil {
			n, err = pullLinear(rootCtx, a)
			if err != nil {
				return err
			}
			total += n
		}
		debug.PrintNormal("reconciled %d changed issues", total)

		return runCompile(rootCtx, a)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
