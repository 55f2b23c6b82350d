package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/portfolio-tools/imgsync/internal/export"
	"github.com/portfolio-tools/imgsync/internal/naming"
	"github.com/portfolio-tools/imgsync/internal/sheet"
	"github.com/portfolio-tools/imgsync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "sync",
	Short:   "Write the gallery JSON from the worksheet",
	Long: `Write the worksheet as gallery JSON for the portfolio site.

Rows without a Title or Preview URL are skipped. Each item gets a
mainCategory from the first of its tags that appears in the category file.`,
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = cfg.Export.Output
		}
		ctx := context.Background()

		vocab, err := naming.LoadVocabulary(cfg.CategoriesFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v (mainCategory will be empty)\n", ui.RenderWarn("Warning:"), err)
		}

		book, err := sheet.Open(cfg.SheetStore)
		if err != nil {
			fatalf("%v", err)
		}
		defer book.Close()

		ws, err := book.Worksheet(ctx, cfg.SheetName)
		if err != nil {
			book.Close()
			fatalf("failed to open worksheet %s: %v", cfg.SheetName, err)
		}

		n, err := export.New(vocab, newLogger("export")).Export(ctx, ws, output)
		if err != nil {
			book.Close()
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %d items to %s\n", ui.RenderPass("✓"), n, output)
	},
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "Output file (default: export.output from config)")
	rootCmd.AddCommand(exportCmd)
}
