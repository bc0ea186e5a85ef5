package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/template"
	"github.com/weftlabs/weft/internal/types"
)

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Render TODO.mdx outputs from the canonical store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(rootCtx)
		if err != nil {
			return err
		}
		defer a.close()
		return runCompile(rootCtx, a)
	},
}

func init() {
	rootCmd.AddCommand(compileCmd)
}

// runCompile renders the template's outputs against the current store and
// writes them under the repo root. Render problems map to exit code 1.
func runCompile(ctx context.Context, a *app) error {
	raw, err := os.ReadFile(a.cfg.ResolveTemplate())
	if err != nil {
		return compileError(fmt.Errorf("failed to read template: %w", err))
	}
	t, err := template.Parse(string(raw))
	if err != nil {
		return compileError(err)
	}
	if t.Config.FilePattern == "" {
		t.Config.FilePattern = a.cfg.FilePattern
	}

	issues, err := a.store.ListIssues(ctx, types.IssueFilter{})
	if err != nil {
		return err
	}
	edges, err := a.store.ListEdges(ctx)
	if err != nil {
		return err
	}

	files, err := t.Plan(template.NewRenderContext(issues, edges))
	if err != nil {
		return compileError(err)
	}
	for _, f := range files {
		if err := writeFileAtomic(filepath.Join(a.cfg.Root, f.Path), f.Content); err != nil {
			return compileError(err)
		}
		debug.PrintNormal("wrote %s", f.Path)
	}
	return nil
}

// writeFileAtomic writes via temp file + rename so watchers never observe a
// half-written output.
func writeFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".weft-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
