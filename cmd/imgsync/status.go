package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/portfolio-tools/imgsync/internal/cache"
	"github.com/portfolio-tools/imgsync/internal/ledger"
	"github.com/portfolio-tools/imgsync/internal/sheet"
	"github.com/portfolio-tools/imgsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "maint",
	Short:   "Show cache, failure ledger and worksheet status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		c, err := cache.Open(cfg.Cache(newLogger("cache")))
		if err != nil {
			fatalf("%v", err)
		}
		st := c.Stats()

		fmt.Printf("\n%s Cache (%s)\n\n", ui.RenderAccent("📊"), cfg.CacheFile)
		fmt.Println(ui.KeyValue("Committed", humanize.Comma(int64(st.Committed))))
		fmt.Println(ui.KeyValue("Pending", st.Pending))
		fmt.Println(ui.KeyValue("URLs", humanize.Comma(int64(st.URLs))))
		fmt.Println(ui.KeyValue("Known filenames", humanize.Comma(int64(st.Names))))
		last := "never"
		if !st.LastProcessed.IsZero() {
			last = fmt.Sprintf("%s (%s)", humanize.Time(st.LastProcessed), st.LastProcessed.Format("2006-01-02 15:04:05"))
		}
		fmt.Println(ui.KeyValue("Last run", last))

		failed, err := ledger.New(cfg.FailedFile).Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderWarn("Warning:"), err)
		}
		fmt.Printf("\n%s Failure ledger (%s)\n\n", ui.RenderAccent("📋"), cfg.FailedFile)
		if len(failed) == 0 {
			fmt.Printf("   %s\n", ui.RenderMuted("empty"))
		}
		for _, name := range failed {
			fmt.Printf("   %s\n", name)
		}

		fmt.Printf("\n%s Worksheet %s (%s)\n\n", ui.RenderAccent("📄"), cfg.SheetName, cfg.SheetStore)
		if _, err := os.Stat(cfg.SheetStore); errors.Is(err, os.ErrNotExist) {
			fmt.Printf("   %s\n\n", ui.RenderMuted("not created yet; run 'imgsync sync'"))
			return
		}
		book, err := sheet.Open(cfg.SheetStore)
		if err != nil {
			fatalf("%v", err)
		}
		defer book.Close()

		ws, err := book.Worksheet(ctx, cfg.SheetName)
		if errors.Is(err, sheet.ErrNoSheet) {
			fmt.Printf("   %s\n\n", ui.RenderMuted("not created yet; run 'imgsync sync'"))
			return
		}
		if err != nil {
			book.Close()
			fatalf("%v", err)
		}
		values, err := ws.Values(ctx)
		if err != nil {
			book.Close()
			fatalf("%v", err)
		}

		counts := map[string]int{}
		rows := 0
		for _, row := range values[min(1, len(values)):] {
			if len(row) < sheet.ColFileID || row[sheet.ColFileID-1] == "" {
				continue
			}
			rows++
			status := ""
			if len(row) >= sheet.ColStatus {
				status = row[sheet.ColStatus-1]
			}
			counts[status]++
		}
		fmt.Println(ui.KeyValue("Rows", humanize.Comma(int64(rows))))
		fmt.Println(ui.KeyValue("Auto-managed", counts[sheet.StatusNone]))
		fmt.Println(ui.KeyValue("Edited", counts[sheet.StatusEdited]))
		fmt.Println(ui.KeyValue("New", counts[sheet.StatusNew]))
		if other := rows - counts[sheet.StatusNone] - counts[sheet.StatusEdited] - counts[sheet.StatusNew]; other > 0 {
			fmt.Println(ui.KeyValue("Other status", other))
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
