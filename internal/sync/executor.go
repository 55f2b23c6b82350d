package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/portfolio-tools/imgsync/internal/retry"
	"github.com/portfolio-tools/imgsync/internal/sheet"
)

const defaultInitialBackoff = time.Second

// ExecutorConfig holds batch sizes and pauses for sheet writes.
type ExecutorConfig struct {
	// UpdateBatch is the maximum number of cells per patch call. Rows are
	// never split across patches.
	UpdateBatch int
	UpdatePause time.Duration
	UpdateRetry retry.Policy

	// AppendBatch is the number of rows per append call.
	AppendBatch int
	AppendPause time.Duration
	AppendRetry retry.Policy

	// RowPause separates single-row appends after a batch append fails.
	RowPause time.Duration

	// Settle is the wait before the thumbnail pass so the sheet reflects
	// the appends.
	Settle time.Duration

	ThumbnailBatch int
	ThumbnailPause time.Duration

	ClearNewBatch int
	ClearNewPause time.Duration

	Logger *log.Logger
}

// DefaultExecutorConfig returns the batch parameters used against hosted
// spreadsheets, which rate limit writes.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		UpdateBatch: 500,
		UpdatePause: 2 * time.Second,
		UpdateRetry: retry.Policy{
			Name:        "update cells",
			MaxAttempts: 3,
			Initial:     defaultInitialBackoff,
			Multiplier:  3,
		},
		AppendBatch: 25,
		AppendPause: 2 * time.Second,
		AppendRetry: retry.Policy{
			Name:        "append rows",
			MaxAttempts: 3,
			Initial:     defaultInitialBackoff,
			Multiplier:  2,
		},
		RowPause:       500 * time.Millisecond,
		Settle:         5 * time.Second,
		ThumbnailBatch: 10,
		ThumbnailPause: 3 * time.Second,
		ClearNewBatch:  1000,
		ClearNewPause:  time.Second,
	}
}

// ApplyResult reports the writes made by Apply.
type ApplyResult struct {
	UpdatedRows  int
	UpdatedCells int
	InsertedRows int
	FallbackRows int
	Failures     []*FileError

	// Written holds the names of rows that reached the sheet.
	Written []string
}

// Outstanding returns the planned writes of plan that did not reach the
// sheet, in plan order. It covers both failed rows and rows never attempted
// because Apply stopped early.
func (r *ApplyResult) Outstanding(plan *Plan) []string {
	written := make(map[string]bool, len(r.Written))
	for _, name := range r.Written {
		written[name] = true
	}
	var out []string
	for _, name := range plan.Names() {
		if !written[name] {
			out = append(out, name)
		}
	}
	return out
}

// Executor applies a Plan to a worksheet in paced, retried batches.
type Executor struct {
	ws     sheet.Sheet
	cfg    ExecutorConfig
	logger *log.Logger
}

// NewExecutor returns an executor writing to ws.
func NewExecutor(ws sheet.Sheet, cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sheet] ", log.LstdFlags)
	}
	if cfg.UpdateRetry.Logger == nil {
		cfg.UpdateRetry.Logger = cfg.Logger
	}
	if cfg.AppendRetry.Logger == nil {
		cfg.AppendRetry.Logger = cfg.Logger
	}
	cfg.UpdateBatch = max(cfg.UpdateBatch, 1)
	cfg.AppendBatch = max(cfg.AppendBatch, 1)
	cfg.ThumbnailBatch = max(cfg.ThumbnailBatch, 1)
	cfg.ClearNewBatch = max(cfg.ClearNewBatch, 1)
	return &Executor{ws: ws, cfg: cfg, logger: cfg.Logger}
}

// pacer spaces calls at least every apart. The first call is not delayed.
func pacer(every time.Duration) *rate.Limiter {
	if every <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(every), 1)
}

// ClearNew resets "New" statuses. A failed batch is logged and skipped; the
// markers are cleared on a later run. It returns the number of cells cleared.
func (x *Executor) ClearNew(ctx context.Context, cells []sheet.Cell) (int, error) {
	pace := pacer(x.cfg.ClearNewPause)
	cleared := 0
	for start := 0; start < len(cells); start += x.cfg.ClearNewBatch {
		batch := cells[start:min(start+x.cfg.ClearNewBatch, len(cells))]
		if err := pace.Wait(ctx); err != nil {
			return cleared, err
		}
		if err := x.updateCells(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return cleared, ctx.Err()
			}
			x.logger.Printf("Error: failed to clear New status for %d cells: %v", len(batch), err)
			continue
		}
		cleared += len(batch)
		x.logger.Printf("Cleared New status: %d cells", len(batch))
	}
	return cleared, nil
}

// Apply writes the plan's updates, then its inserts. A failed update batch
// fails every file in it. A failed append batch is retried one row at a
// time so only the bad rows fail.
func (x *Executor) Apply(ctx context.Context, plan *Plan) (*ApplyResult, error) {
	res := &ApplyResult{}
	if err := x.applyUpdates(ctx, plan.Updates, res); err != nil {
		return res, err
	}
	if err := x.applyInserts(ctx, plan.Inserts, res); err != nil {
		return res, err
	}
	return res, nil
}

func (x *Executor) applyUpdates(ctx context.Context, updates []Update, res *ApplyResult) error {
	pace := pacer(x.cfg.UpdatePause)
	for _, batch := range batchUpdates(updates, x.cfg.UpdateBatch) {
		var cells []sheet.Cell
		for _, u := range batch {
			cells = append(cells, u.Cells...)
		}
		if err := pace.Wait(ctx); err != nil {
			return err
		}
		if err := x.updateCells(ctx, cells); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			x.logger.Printf("Error: failed to update %d rows: %v", len(batch), err)
			for _, u := range batch {
				res.Failures = append(res.Failures, &FileError{Name: u.Name, Stage: StageUpdate, Err: err})
			}
			continue
		}
		res.UpdatedRows += len(batch)
		res.UpdatedCells += len(cells)
		for _, u := range batch {
			res.Written = append(res.Written, u.Name)
		}
		x.logger.Printf("Updated %d rows (%d cells)", len(batch), len(cells))
	}
	return nil
}

// batchUpdates groups whole rows so no group exceeds limit cells. A row
// larger than limit gets a group of its own.
func batchUpdates(updates []Update, limit int) [][]Update {
	var batches [][]Update
	var cur []Update
	n := 0
	for _, u := range updates {
		if len(cur) > 0 && n+len(u.Cells) > limit {
			batches = append(batches, cur)
			cur, n = nil, 0
		}
		cur = append(cur, u)
		n += len(u.Cells)
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

func (x *Executor) applyInserts(ctx context.Context, inserts []Insert, res *ApplyResult) error {
	pace := pacer(x.cfg.AppendPause)
	for start := 0; start < len(inserts); start += x.cfg.AppendBatch {
		batch := inserts[start:min(start+x.cfg.AppendBatch, len(inserts))]
		rows := make([][]string, len(batch))
		for i, in := range batch {
			rows[i] = in.Values
		}

		if err := pace.Wait(ctx); err != nil {
			return err
		}
		err := x.appendRows(ctx, rows)
		if err == nil {
			res.InsertedRows += len(batch)
			for _, in := range batch {
				res.Written = append(res.Written, in.Name)
			}
			x.logger.Printf("Appended %d rows", len(batch))
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		x.logger.Printf("Error: failed to append rows %d-%d, retrying one at a time: %v",
			start+1, start+len(batch), err)
		if err := x.appendEach(ctx, batch, res); err != nil {
			return err
		}
	}
	return nil
}

func (x *Executor) appendEach(ctx context.Context, batch []Insert, res *ApplyResult) error {
	pace := pacer(x.cfg.RowPause)
	for _, in := range batch {
		if err := pace.Wait(ctx); err != nil {
			return err
		}
		if err := x.appendRows(ctx, [][]string{in.Values}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			x.logger.Printf("Error: failed to append %s: %v", in.Name, err)
			res.Failures = append(res.Failures, &FileError{Name: in.Name, Stage: StageAppend, Err: err})
			continue
		}
		res.InsertedRows++
		res.FallbackRows++
		res.Written = append(res.Written, in.Name)
	}
	return nil
}

// ThumbnailFormula returns the IMAGE formula for a data row.
func ThumbnailFormula(row int) string {
	return fmt.Sprintf("=IMAGE(%s)", sheet.A1(row, sheet.ColPreviewURL))
}

// Settle waits for the configured settle time or until ctx is done.
func (x *Executor) Settle(ctx context.Context) error {
	if x.cfg.Settle <= 0 {
		return nil
	}
	t := time.NewTimer(x.cfg.Settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RefreshThumbnails writes the thumbnail formula into every data row. The
// row count is read back from the sheet; estimate is used if that read
// fails. It returns the number of rows written. Failed batches are logged
// and skipped since the next run rewrites every formula anyway.
func (x *Executor) RefreshThumbnails(ctx context.Context, estimate int) (int, error) {
	count := estimate
	if values, err := x.readValues(ctx); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		x.logger.Printf("Warning: failed to count rows, using estimate %d: %v", estimate, err)
	} else {
		count = max(len(values)-1, 0)
	}

	cells := make([]sheet.Cell, count)
	for i := range cells {
		row := i + 2
		cells[i] = sheet.Cell{Row: row, Col: sheet.ColThumbnail, Value: ThumbnailFormula(row)}
	}

	pace := pacer(x.cfg.ThumbnailPause)
	written := 0
	for start := 0; start < len(cells); start += x.cfg.ThumbnailBatch {
		batch := cells[start:min(start+x.cfg.ThumbnailBatch, len(cells))]
		if err := pace.Wait(ctx); err != nil {
			return written, err
		}
		if err := x.updateCells(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return written, ctx.Err()
			}
			x.logger.Printf("Error: failed to set thumbnails for rows %d-%d: %v",
				batch[0].Row, batch[len(batch)-1].Row, err)
			continue
		}
		written += len(batch)
	}
	if count > 0 {
		x.logger.Printf("Set thumbnail formulas: %d of %d rows", written, count)
	}
	return written, nil
}

func (x *Executor) updateCells(ctx context.Context, cells []sheet.Cell) error {
	return x.cfg.UpdateRetry.Do(ctx, func(ctx context.Context) error {
		return x.ws.UpdateCells(ctx, cells)
	})
}

func (x *Executor) appendRows(ctx context.Context, rows [][]string) error {
	return x.cfg.AppendRetry.Do(ctx, func(ctx context.Context) error {
		return x.ws.AppendRows(ctx, rows)
	})
}

func (x *Executor) readValues(ctx context.Context) ([][]string, error) {
	var values [][]string
	err := x.cfg.UpdateRetry.Do(ctx, func(ctx context.Context) error {
		v, err := x.ws.Values(ctx)
		values = v
		return err
	})
	return values, err
}
