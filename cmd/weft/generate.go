package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/debug"
)

var generateSource string

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "One-shot import from a source, then render outputs",
	Long: `Pull issues from one source into the canonical store and recompile the
template outputs. Sources: beads (the .beads/issues.jsonl store), github
(the configured repository), api (another coordinator's HTTP API).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(rootCtx)
		if err != nil {
			return err
		}
		defer a.close()

		var applied int
		switch generateSource {
		case "beads":
			applied, err = pullBeads(rootCtx, a)
		case "github":
			if a.engine.GitHub == nil {
				return configError(fmt.Errorf("github source requires github configuration"))
			}
			applied, err = pullGitHub(rootCtx, a)
		case "api":
			if a.cfg.APIURL == "" {
				return configError(fmt.Errorf("api source requires api_url in config"))
			}
			applied, err = pullAPI(rootCtx, a, a.cfg.APIURL, a.cfg.APIKey)
		default:
			return configError(fmt.Errorf("unknown source %q (want beads, github, or api)", generateSource))
		}
		if err != nil {
			return err
		}
		debug.PrintNormal("imported %d issues from %s", applied, generateSource)

		return runCompile(rootCtx, a)
	},
}

func init() {
	generateCmd.Flags().StringVar(&generateSource, "source", "beads", "import source: beads | github | api")
	rootCmd.AddCommand(generateCmd)
}
