package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/portfolio-tools/imgsync/internal/organize"
	"github.com/portfolio-tools/imgsync/internal/sheet"
)

// ContentIndex is the view of the content-address cache the planner needs.
type ContentIndex interface {
	HashOf(path string) (string, error)
	IsAlreadyProcessed(hash string) bool
	RecordName(name, hash string)
}

// Update overwrites the derived columns of an existing row. Thumbnail is
// left alone; the thumbnail pass owns it.
type Update struct {
	Name  string
	Row   int
	Cells []sheet.Cell
}

// Insert appends a new row.
type Insert struct {
	Name   string
	Values []string
}

// PlanStats counts what the planner saw.
type PlanStats struct {
	Candidates       int
	DuplicatesInRun  int
	SkippedProcessed int
	SkippedEdited    int
	HashFailures     int
	UploadFailures   int
	BytesHashed      int64
}

// Plan is the set of writes for one run.
type Plan struct {
	Updates  []Update
	Inserts  []Insert
	Failures []*FileError
	Stats    PlanStats
}

// FailedNames returns the names of failed files in the order they failed.
func (p *Plan) FailedNames() []string {
	names := make([]string, 0, len(p.Failures))
	for _, f := range p.Failures {
		names = append(names, f.Name)
	}
	return names
}

// Names returns the names of planned writes: updates, then inserts.
func (p *Plan) Names() []string {
	names := make([]string, 0, len(p.Updates)+len(p.Inserts))
	for _, u := range p.Updates {
		names = append(names, u.Name)
	}
	for _, in := range p.Inserts {
		names = append(names, in.Name)
	}
	return names
}

// Action is what the planner decided for one file.
type Action string

const (
	ActionUpdate    Action = "update"
	ActionInsert    Action = "insert"
	ActionDuplicate Action = "duplicate"
	ActionProcessed Action = "processed"
	ActionEdited    Action = "edited"
	ActionFailed    Action = "failed"
)

// Planner turns organized files into a Plan.
type Planner struct {
	index    ContentIndex
	uploader RemoteUploader
	logger   *log.Logger

	// OnFile, if set, is called once per file with the decision made.
	OnFile func(name string, action Action, err error)
}

// NewPlanner returns a planner. If logger is nil, a default logger writing
// to stderr is used.
func NewPlanner(index ContentIndex, uploader RemoteUploader, logger *log.Logger) *Planner {
	if logger == nil {
		logger = log.New(os.Stderr, "[plan] ", log.LstdFlags)
	}
	return &Planner{index: index, uploader: uploader, logger: logger}
}

// Plan walks items in order and decides, for each, whether to skip it,
// update its row or insert a new row. Names in retry bypass the check for
// content committed by an earlier run.
//
// A failing file is recorded in the plan and never stops the walk. Plan
// returns an error only when ctx is done; the partial plan is still returned.
func (p *Planner) Plan(ctx context.Context, items []organize.Item, snap *Snapshot, retry map[string]bool) (*Plan, error) {
	plan := &Plan{}
	seen := make(map[string]string)

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return plan, err
		}

		hash, err := p.index.HashOf(it.Path)
		if err != nil {
			p.fail(plan, it.Name, StageHash, err)
			plan.Stats.HashFailures++
			continue
		}
		plan.Stats.BytesHashed += it.Size

		if !retry[it.Name] && p.index.IsAlreadyProcessed(hash) {
			plan.Stats.SkippedProcessed++
			p.notify(it.Name, ActionProcessed, nil)
			continue
		}
		if first, dup := seen[hash]; dup {
			p.logger.Printf("Skipping %s: same content as %s", it.Name, first)
			plan.Stats.DuplicatesInRun++
			p.notify(it.Name, ActionDuplicate, nil)
			continue
		}
		seen[hash] = it.Name
		p.index.RecordName(it.Name, hash)
		plan.Stats.Candidates++

		row, exists := snap.Lookup(it.Name)
		if exists && row.Edited() {
			p.logger.Printf("Skipping %s: row %d is Edited", it.Name, row.Num)
			plan.Stats.SkippedEdited++
			p.notify(it.Name, ActionEdited, nil)
			continue
		}

		url, err := p.uploader.EnsurePublicURL(ctx, it.Path, hash)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return plan, ctxErr
			}
			p.fail(plan, it.Name, StageUpload, err)
			plan.Stats.UploadFailures++
			continue
		}

		values := RowValues(it, url)
		if exists {
			plan.Updates = append(plan.Updates, Update{
				Name:  it.Name,
				Row:   row.Num,
				Cells: updateCells(row.Num, values),
			})
			p.notify(it.Name, ActionUpdate, nil)
		} else {
			plan.Inserts = append(plan.Inserts, Insert{Name: it.Name, Values: values})
			p.notify(it.Name, ActionInsert, nil)
		}
	}
	return plan, nil
}

func (p *Planner) fail(plan *Plan, name string, stage Stage, err error) {
	fe := &FileError{Name: name, Stage: stage, Err: err}
	p.logger.Printf("Failed: %v", fe)
	plan.Failures = append(plan.Failures, fe)
	p.notify(name, ActionFailed, fe)
}

func (p *Planner) notify(name string, action Action, err error) {
	if p.OnFile != nil {
		p.OnFile(name, action, err)
	}
}

// RowValues returns the 10 column values for an item published at url.
// Thumbnail and Status are empty.
func RowValues(it organize.Item, url string) []string {
	m := it.Meta
	row := make([]string, sheet.NumCols)
	row[sheet.ColYear-1] = m.Year
	row[sheet.ColClient-1] = m.Client
	row[sheet.ColTitle-1] = m.Title
	row[sheet.ColSubtitle-1] = m.Subtitle
	row[sheet.ColDetail-1] = m.Detail()
	row[sheet.ColTags-1] = m.TagList()
	row[sheet.ColPreviewURL-1] = url
	row[sheet.ColFileID-1] = it.Name
	return row
}

// updateCells patches every derived column of row, clearing Status.
func updateCells(row int, values []string) []sheet.Cell {
	cells := make([]sheet.Cell, 0, sheet.NumCols-1)
	for col := 1; col <= sheet.NumCols; col++ {
		if col == sheet.ColThumbnail {
			continue
		}
		cells = append(cells, sheet.Cell{Row: row, Col: col, Value: values[col-1]})
	}
	return cells
}

func (s PlanStats) String() string {
	return fmt.Sprintf("%d candidates, %d duplicates, %d already processed, %d edited, %d failed",
		s.Candidates, s.DuplicatesInRun, s.SkippedProcessed, s.SkippedEdited, s.HashFailures+s.UploadFailures)
}
