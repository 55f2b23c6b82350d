package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/portfolio-tools/imgsync/internal/naming"
	"github.com/portfolio-tools/imgsync/internal/ui"
)

var lintCmd = &cobra.Command{
	Use:     "lint",
	GroupID: "maint",
	Short:   "Check image filenames against the naming convention",
	Long: `Check every image under the image directory against the naming
convention:

  Year_Client_Title[_Subtitle][_t-tag1-tag2]_NN.ext

Tags are checked against the category file. Only files with problems are
listed.

Examples:
  imgsync lint
  imgsync lint --analyze 2024_Acme_Poster_t-print_01.jpg
  imgsync lint --output naming-report.txt`,
	Run: func(cmd *cobra.Command, args []string) {
		analyze, _ := cmd.Flags().GetString("analyze")
		output, _ := cmd.Flags().GetString("output")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		vocab, err := naming.LoadVocabulary(cfg.CategoriesFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v (tags will not be checked)\n", ui.RenderWarn("Warning:"), err)
		}

		if analyze != "" {
			printAnalysis(os.Stdout, naming.Lint(analyze, vocab))
			return
		}

		invalid, err := naming.LintDir(cfg.ImageDir, nil, vocab)
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(invalid); err != nil {
				fatalf("failed to encode report: %v", err)
			}
			return
		}

		if output == "" {
			writeReport(os.Stdout, invalid, vocab)
		} else {
			f, err := os.Create(output)
			if err != nil {
				fatalf("failed to create report: %v", err)
			}
			writeReport(f, invalid, vocab)
			if err := f.Close(); err != nil {
				fatalf("failed to write report: %v", err)
			}
			fmt.Printf("%s Report written to %s\n", ui.RenderPass("✓"), output)
		}
		if len(invalid) > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	lintCmd.Flags().String("analyze", "", "Show the part-by-part breakdown of one filename")
	lintCmd.Flags().StringP("output", "o", "", "Write the report to a file")
	lintCmd.Flags().Bool("json", false, "Output invalid files as JSON")
	rootCmd.AddCommand(lintCmd)
}

func writeReport(w io.Writer, invalid []naming.Analysis, vocab *naming.Vocabulary) {
	if len(invalid) == 0 {
		fmt.Fprintf(w, "%s All filenames follow the convention\n", ui.RenderPass("✓"))
	} else {
		fmt.Fprintf(w, "%s %d files need renaming\n\n", ui.RenderWarn("⚠"), len(invalid))
		for _, a := range invalid {
			fmt.Fprintf(w, "%s\n", ui.RenderHeader(a.Path))
			for _, e := range a.Errors {
				fmt.Fprintf(w, "   - %s\n", e)
			}
		}
	}

	if tags := vocab.Tags(); len(tags) > 0 {
		fmt.Fprintf(w, "\nValid tags (%d): %s\n", len(tags), strings.Join(tags, ", "))
	}
}

func printAnalysis(w io.Writer, a naming.Analysis) {
	fmt.Fprintln(w, ui.RenderHeader(a.Filename))
	for i, p := range a.Parts {
		fmt.Fprintln(w, ui.KeyValue(fmt.Sprintf("Part %d", i+1), p))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, ui.KeyValue("Year", a.Year))
	fmt.Fprintln(w, ui.KeyValue("Client", a.Client))
	fmt.Fprintln(w, ui.KeyValue("Title", a.Title))
	fmt.Fprintln(w, ui.KeyValue("Subtitles", strings.Join(a.Subtitles, ", ")))
	fmt.Fprintln(w, ui.KeyValue("Tags", strings.Join(a.Tags, ", ")))
	fmt.Fprintln(w, ui.KeyValue("Sequence", a.Sequence))
	fmt.Fprintln(w)

	if a.Valid() {
		fmt.Fprintf(w, "%s Valid\n", ui.RenderPass("✓"))
		return
	}
	for _, e := range a.Errors {
		fmt.Fprintf(w, "%s %s\n", ui.RenderFail("✗"), e)
	}
}
