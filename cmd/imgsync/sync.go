package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/portfolio-tools/imgsync/internal/cache"
	"github.com/portfolio-tools/imgsync/internal/daemon"
	"github.com/portfolio-tools/imgsync/internal/dashboard"
	"github.com/portfolio-tools/imgsync/internal/metrics"
	imgsync "github.com/portfolio-tools/imgsync/internal/sync"
	"github.com/portfolio-tools/imgsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync: upload new images and update the worksheet",
	Long: `Run one full reconciliation:
  1. Read the worksheet, repair its header and clear "New" markers
  2. Scan the image directory and group files by asset
  3. Hash each image; upload content not seen before
  4. Update existing rows (except "Edited" ones) and append new rows
  5. Refresh the thumbnail formulas

Files that fail are recorded and retried first on the next run.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		e, err := openEngine(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer e.Close()

		fmt.Printf("%s Syncing %s into %s...\n", ui.RenderAccent("🔄"), cfg.ImageDir, cfg.SheetName)
		stats, err := e.Run(ctx)
		if errors.Is(err, cache.ErrLocked) {
			e.Close()
			fatalf("another sync is already running (lock %s)", cfg.LockPath())
		}
		if err != nil {
			e.Close()
			fatalf("sync failed: %v", err)
		}
		printStats(stats)
	},
}

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Sync continuously as images are added",
	Long: `Run a sync, then watch the image directory and sync again whenever
images change. A periodic rescan also picks up worksheet edits and retries
failures.

With --dashboard, live run events are served over WebSocket at /ws and
Prometheus metrics at /metrics.`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("dashboard")
		if addr == "" {
			addr = cfg.Watch.Dashboard
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		e, err := openEngine(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer e.Close()

		m, err := metrics.New(nil)
		if err != nil {
			fatalf("%v", err)
		}
		observers := imgsync.Observers{m}

		if addr != "" {
			server := dashboard.NewServer(&dashboard.Config{
				Addr:   addr,
				Logger: newLogger("dashboard"),
			})
			if err := server.Start(); err != nil {
				fatalf("failed to start dashboard: %v", err)
			}
			defer server.Stop()

			handler := dashboard.NewHandler(server, newLogger("dashboard"))
			handler.Quiet = true
			observers = append(observers, handler)

			fmt.Printf("%s Dashboard on http://%s (WebSocket /ws, metrics /metrics)\n", ui.RenderAccent("📡"), server.GetAddr())
		}
		e.SetObserver(observers)

		d, err := daemon.NewWithConfig(e, cfg.ImageDir, cfg.Daemon(newLogger("daemon")))
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("%s Watching %s\n", ui.RenderAccent("👀"), cfg.ImageDir)
		fmt.Printf("   Worksheet: %s (%s)\n", cfg.SheetName, cfg.SheetStore)
		fmt.Printf("   Rescan every %s\n", cfg.Watch.Interval)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Start(ctx); err != nil {
			fatalf("daemon stopped with error: %v", err)
		}
		if stats, _ := d.LastRun(); stats != nil {
			fmt.Printf("\n%s Last run %s: %d inserted, %d updated, %d failed\n",
				ui.RenderPass("✓"), stats.RunID, stats.Inserted, stats.Updated, stats.Failed)
		}
	},
}

func init() {
	watchCmd.Flags().String("dashboard", "", "Serve the live dashboard on this address (e.g. 127.0.0.1:8080)")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
}

func printStats(stats *imgsync.Stats) {
	mark := ui.RenderPass("✓")
	if stats.Failed > 0 {
		mark = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s Sync complete in %s\n\n", mark, stats.Duration.Round(time.Millisecond))
	fmt.Println(ui.KeyValue("Images found", humanize.Comma(int64(stats.Scanned))))
	fmt.Println(ui.KeyValue("Hashed", humanize.Bytes(uint64(stats.BytesHashed))))
	fmt.Println(ui.KeyValue("Duplicates this run", stats.DuplicatesInRun))
	fmt.Println(ui.KeyValue("Already processed", humanize.Comma(int64(stats.SkippedProcessed))))
	fmt.Println(ui.KeyValue("Edited (protected)", stats.SkippedEdited))
	fmt.Println(ui.KeyValue("Rows updated", stats.Updated))
	fmt.Println(ui.KeyValue("Rows inserted", stats.Inserted))
	fmt.Println(ui.KeyValue("New markers cleared", stats.NewCleared))
	fmt.Println(ui.KeyValue("Thumbnails", stats.Thumbnails))
	if stats.Failed > 0 {
		fmt.Println(ui.KeyValue("Failed", ui.RenderFail(fmt.Sprint(stats.Failed))))
		for _, name := range stats.FailedNames {
			fmt.Printf("   %s\n", ui.RenderMuted(name))
		}
		fmt.Printf("\n%s Failed files are retried first on the next run\n", ui.RenderWarn("⚠"))
	}
}
