// Command weft keeps a repository's TODO files, beads store, GitHub issues,
// and Linear issues in sync. The CLI surface is deliberately thin: the sync
// engine and coordinator live in internal packages, and long-running modes
// (watch, serve) host them behind signal-aware contexts.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/debug"
)

// Version and Build are set via ldflags at release time.
var (
	Version = "dev"
	Build   = "unknown"
)

// Exit codes.
const (
	exitOK       = 0
	exitCompile  = 1
	exitConfig   = 2
	exitUpstream = 3
)

// exitError carries an explicit process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func compileError(err error) error  { return &exitError{code: exitCompile, err: err} }
func configError(err error) error   { return &exitError{code: exitConfig, err: err} }
func upstreamError(err error) error { return &exitError{code: exitUpstream, err: err} }

var (
	rootDir     string
	verboseFlag bool
	quietFlag   bool

	// Signal-aware context for graceful cancellation.
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "weft - bidirectional issue sync for TODO files, beads, GitHub, and Linear",
	Long: `weft threads a repository's issue tracking through four surfaces: the beads
JSONL store, per-issue .todo/*.md files, GitHub issues, and Linear issues.
One canonical store per repo; every surface is a projection of it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("weft version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rootCancel != nil {
			rootCancel()
		}
		debug.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootDir, "dir", "C", ".", "repository root to operate on")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "suppress non-essential output")
	rootCmd.Flags().Bool("version", false, "print version and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "weft: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
	os.Exit(exitOK)
}
