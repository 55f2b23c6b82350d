package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/portfolio-tools/imgsync/internal/config"
	"github.com/portfolio-tools/imgsync/internal/storage"
	"github.com/portfolio-tools/imgsync/internal/ui"
)

// starter is the subset of the configuration written by init.
type starter struct {
	ImageDir       string         `yaml:"local_image_dir"`
	SheetStore     string         `yaml:"sheet_store"`
	SheetName      string         `yaml:"sheet_name"`
	CategoriesFile string         `yaml:"categories_file"`
	Storage        storage.Config `yaml:"storage"`
}

func defaultStarter() starter {
	d := config.Default()
	return starter{
		ImageDir:       d.ImageDir,
		SheetStore:     d.SheetStore,
		SheetName:      d.SheetName,
		CategoriesFile: d.CategoriesFile,
		Storage: storage.Config{
			Backend: d.Storage.Backend,
			Dir:     d.Storage.Dir,
		},
	}
}

var initCmd = &cobra.Command{
	Use:         "init",
	GroupID:     "maint",
	Short:       "Write a starter imgsync.yaml",
	Annotations: map[string]string{"config": "skip"},
	Long: `Write a starter configuration file.

When run in a terminal, init asks for the image directory, worksheet and
storage backend. Otherwise the defaults are written.`,
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		force, _ := cmd.Flags().GetBool("force")
		yes, _ := cmd.Flags().GetBool("yes")

		if _, err := os.Stat(output); err == nil && !force {
			fatalf("%s already exists (use --force to overwrite)", output)
		}

		s := defaultStarter()
		if !yes && ui.IsTerminal(os.Stdin) {
			if err := starterForm(&s).Run(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Fprintln(os.Stderr, "Aborted")
					os.Exit(1)
				}
				fatalf("%v", err)
			}
		}
		s.Storage = trimStorage(s.Storage)

		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			fatalf("failed to encode config: %v", err)
		}
		enc.Close()
		if err := atomic.WriteFile(output, &buf); err != nil {
			fatalf("failed to write %s: %v", output, err)
		}

		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), output)
		fmt.Printf("\nNext steps:\n")
		fmt.Printf("  imgsync lint     %s\n", ui.RenderMuted("# check filenames"))
		fmt.Printf("  imgsync sync     %s\n", ui.RenderMuted("# upload and update the worksheet"))
	},
}

func init() {
	initCmd.Flags().StringP("output", "o", "imgsync.yaml", "Config file to write")
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")
	initCmd.Flags().BoolP("yes", "y", false, "Write defaults without prompting")
	rootCmd.AddCommand(initCmd)
}

func starterForm(s *starter) *huh.Form {
	required := func(name string) func(string) error {
		return func(v string) error {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("%s is required", name)
			}
			return nil
		}
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Image directory").
				Description("Folder tree holding the portfolio images").
				Value(&s.ImageDir).
				Validate(required("image directory")),
			huh.NewInput().
				Title("Worksheet store").
				Description("SQLite file holding the worksheet").
				Value(&s.SheetStore).
				Validate(required("worksheet store")),
			huh.NewInput().
				Title("Worksheet name").
				Value(&s.SheetName).
				Validate(required("worksheet name")),
			huh.NewInput().
				Title("Category file").
				Value(&s.CategoriesFile),
			huh.NewSelect[string]().
				Title("Storage backend").
				Options(
					huh.NewOption("Local directory", storage.BackendDir),
					huh.NewOption("S3-compatible bucket", storage.BackendS3),
					huh.NewOption("rclone remote", storage.BackendRclone),
				).
				Value(&s.Storage.Backend),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Output directory").
				Value(&s.Storage.Dir).
				Validate(required("output directory")),
			huh.NewInput().
				Title("Public base URL").
				Description("Optional; defaults to file:// URLs").
				Value(&s.Storage.PublicBaseURL),
		).WithHideFunc(func() bool { return s.Storage.Backend != storage.BackendDir }),
		huh.NewGroup(
			huh.NewInput().
				Title("Bucket").
				Value(&s.Storage.Bucket).
				Validate(required("bucket")),
			huh.NewInput().
				Title("Region").
				Placeholder("us-east-1").
				Value(&s.Storage.Region),
			huh.NewInput().
				Title("Endpoint").
				Description("Optional; for S3-compatible services").
				Value(&s.Storage.Endpoint),
		).WithHideFunc(func() bool { return s.Storage.Backend != storage.BackendS3 }),
		huh.NewGroup(
			huh.NewInput().
				Title("Remote").
				Placeholder("gcs:portfolio-images").
				Value(&s.Storage.Remote).
				Validate(required("remote")),
			huh.NewInput().
				Title("Public base URL").
				Value(&s.Storage.PublicBaseURL),
		).WithHideFunc(func() bool { return s.Storage.Backend != storage.BackendRclone }),
	)
}

// trimStorage drops settings that do not apply to the chosen backend.
func trimStorage(c storage.Config) storage.Config {
	out := storage.Config{Backend: c.Backend, PublicBaseURL: c.PublicBaseURL}
	switch c.Backend {
	case storage.BackendS3:
		out.Bucket, out.Region, out.Endpoint = c.Bucket, c.Region, c.Endpoint
	case storage.BackendRclone:
		out.Remote = c.Remote
	default:
		out.Dir = c.Dir
	}
	return out
}
