package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/debug"
)

const defaultConfigYAML = `# weft project configuration
# db: .weft/weft.db
# conflict_policy: newest-wins   # newest-wins | beads-wins | file-wins | upstream-wins
# listen_addr: :8422
# file_pattern: "[id]-[title].md"
#
# github:
#   owner: your-org
#   repo: your-repo
#   token: ""                    # or app_id + private_key_path + installation_id
#   webhook_secret: ""
#
# linear:
#   api_key: ""
#   team_id: ""
#   webhook_secret: ""
`

const defaultTemplate = `---
title: TODO
beads: true
filePattern: "[id]-[title].md"
outputs:
  - TODO.md
  - .todo/*.md
---
# {title}

<InProgress />

<Ready />

<Blocked />

<Done />

<Stats />
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold .weft/config.yaml, .todo/, and a starter TODO.mdx",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit()
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit() error {
	if err := os.MkdirAll(filepath.Join(rootDir, config.Dir), 0o755); err != nil {
		return configError(err)
	}
	if err := os.MkdirAll(filepath.Join(rootDir, ".todo"), 0o755); err != nil {
		return configError(err)
	}

	created := 0
	for _, f := range []struct {
		path, content string
	}{
		{config.Path(rootDir), defaultConfigYAML},
		{filepath.Join(rootDir, config.TemplateName), defaultTemplate},
	} {
		if _, err := os.Stat(f.path); err == nil {
			debug.PrintNormal("exists  %s", f.path)
			continue
		} else if !os.IsNotExist(err) {
			return configError(err)
		}
		if err := os.WriteFile(f.path, []byte(f.content), 0o644); err != nil {
			return configError(fmt.Errorf("failed to write %s: %w", f.path, err))
		}
		debug.PrintNormal("created %s", f.path)
		created++
	}
	if created == 0 {
		debug.PrintNormal("already initialized")
	}
	return nil
}
