package sync

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Stats summarizes one run.
type Stats struct {
	RunID    string        `json:"run_id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	Scanned          int   `json:"scanned"`
	Candidates       int   `json:"candidates"`
	DuplicatesInRun  int   `json:"duplicates_in_run"`
	SkippedProcessed int   `json:"skipped_processed"`
	SkippedEdited    int   `json:"skipped_edited"`
	Updated          int   `json:"updated"`
	Inserted         int   `json:"inserted"`
	Failed           int   `json:"failed"`
	NewCleared       int   `json:"new_cleared"`
	Thumbnails       int   `json:"thumbnails"`
	BytesHashed      int64 `json:"bytes_hashed"`

	FailedNames []string `json:"failed_names,omitempty"`
}

// Lines renders the stats for the end-of-run log.
func (s *Stats) Lines() []string {
	return []string{
		fmt.Sprintf("Images found:        %s (%s hashed)", humanize.Comma(int64(s.Scanned)), humanize.Bytes(uint64(s.BytesHashed))),
		fmt.Sprintf("Unique candidates:   %s", humanize.Comma(int64(s.Candidates))),
		fmt.Sprintf("Duplicates this run: %s", humanize.Comma(int64(s.DuplicatesInRun))),
		fmt.Sprintf("Already processed:   %s", humanize.Comma(int64(s.SkippedProcessed))),
		fmt.Sprintf("Edited (protected):  %s", humanize.Comma(int64(s.SkippedEdited))),
		fmt.Sprintf("Rows updated:        %s", humanize.Comma(int64(s.Updated))),
		fmt.Sprintf("Rows inserted:       %s", humanize.Comma(int64(s.Inserted))),
		fmt.Sprintf("Failed:              %s", humanize.Comma(int64(s.Failed))),
		fmt.Sprintf("Run time:            %s", s.Duration.Round(time.Millisecond)),
	}
}
