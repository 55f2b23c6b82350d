package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/portfolio-tools/imgsync/internal/config"
	"github.com/portfolio-tools/imgsync/internal/ui"
)

var (
	// cfg is loaded before every command except init and version.
	cfg *config.Config

	// logOut receives all component logs: stderr, plus the log file when
	// one is configured.
	logOut io.Writer = os.Stderr
	logEnd io.Closer = io.NopCloser(nil)
)

var rootCmd = &cobra.Command{
	Use:   "imgsync",
	Short: "Sync portfolio images to object storage and a catalog worksheet",
	Long: `imgsync uploads local portfolio images to object storage and keeps a
catalog worksheet in step with them.

Filenames carry the metadata (Year_Client_Title_Subtitle_t-tags_01.jpg).
Each run parses them, uploads new content once, and writes one row per
image. Rows marked "Edited" in the Status column are never overwritten.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Configure(os.Stdout)
		if cmd.Annotations["config"] == "skip" {
			return nil
		}

		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		logOut, logEnd = cfg.Log.Writer(os.Stderr)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logEnd.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default: ./imgsync.yaml or ~/.config/imgsync/imgsync.yaml)")
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
}

// newLogger returns a component logger writing to logOut.
func newLogger(component string) *log.Logger {
	return log.New(logOut, fmt.Sprintf("[%s] ", component), log.LstdFlags)
}

// fatalf prints an error and exits, matching the behaviour of the other
// commands when a run cannot start.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s "+format+"\n", append([]any{ui.RenderFail("Error:")}, args...)...)
	_ = logEnd.Close()
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
