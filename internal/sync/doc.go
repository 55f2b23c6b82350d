// Package sync reconciles a directory of named image files with the remote
// portfolio sheet.
//
// # Overview
//
// One run of the Engine walks the pipeline below. Each stage is also usable
// on its own:
//
//	image dir ──Scan──> Items ──Organize──> grouped Items
//	                                              │
//	failure ledger ──Prioritize (failures first)──┤
//	                                              ▼
//	remote sheet ──ReadSnapshot──> Snapshot ──> Planner ──> Plan
//	                                              │   (hash, dedup, upload)
//	                                              ▼
//	                                          Executor ──> remote sheet
//	                                   (batched patches, appends, thumbnails)
//
// # Dedup
//
// Files are identified by content hash, not by name. A hash committed in the
// cache by an earlier run is skipped, as is a second file with the same
// content within one run. Files listed in the failure ledger bypass the
// committed check so that a row that never reached the sheet is retried.
//
// # Edited rows
//
// A row whose Status is "Edited" belongs to the operator. The planner never
// emits an update for it and never inserts a duplicate of it.
//
// # Failure handling
//
// Hash, upload and per-row write failures are recorded against the file and
// written to the failure ledger at the end of the run; they never abort the
// run. Only setup failures (the sheet cannot be opened or read, the image
// directory cannot be walked) end a run early, and even then the cache and
// ledger are saved.
//
// # Usage
//
//	book, err := sheet.Open("portfolio.db")
//	if err != nil {
//	    return err
//	}
//	defer book.Close()
//
//	c, err := cache.Open(cache.DefaultConfig("image_cache.json"))
//	if err != nil {
//	    return err
//	}
//
//	store := storage.NewDirStore("public/images", "https://example.com/images")
//	engine := sync.New(sync.DefaultConfig("images"), book, c, ledger.New("failed_files.json"), store)
//	stats, err := engine.Run(ctx)
package sync
