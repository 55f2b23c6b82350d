package sync

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/portfolio-tools/imgsync/internal/sheet"
)

// TestReadSnapshot tests row indexing and New marker collection
func TestReadSnapshot(t *testing.T) {
	ws := newMemSheet(
		header(),
		dataRow("a.jpg", "A", ""),
		dataRow("b.jpg", "B", sheet.StatusNew),
		dataRow("", "orphan", ""),
		dataRow("c.jpg", "C", sheet.StatusEdited),
	)

	snap, err := ReadSnapshot(context.Background(), ws, fastPolicy("read", 2), discard())
	if err != nil {
		t.Fatalf("ReadSnapshot() failed: %v", err)
	}
	if snap.HeaderRepaired {
		t.Error("valid header was rewritten")
	}
	if snap.RowCount != 4 {
		t.Errorf("RowCount = %d, want 4", snap.RowCount)
	}
	if len(snap.Rows) != 3 {
		t.Errorf("len(Rows) = %d, want 3", len(snap.Rows))
	}
	if r, ok := snap.Lookup("c.jpg"); !ok || r.Num != 5 || !r.Edited() {
		t.Errorf("Lookup(c.jpg) = %+v, %v", r, ok)
	}
	want := []sheet.Cell{{Row: 3, Col: sheet.ColStatus, Value: ""}}
	if diff := cmp.Diff(want, snap.NewCells); diff != "" {
		t.Errorf("NewCells mismatch (-want +got):\n%s", diff)
	}
}

// TestReadSnapshot_RepairsHeader tests that a wrong or missing header is rewritten
func TestReadSnapshot_RepairsHeader(t *testing.T) {
	tests := []struct {
		name string
		ws   *memSheet
	}{
		{name: "empty sheet", ws: newMemSheet()},
		{name: "short header", ws: newMemSheet([]string{"Year", "Client"})},
		{name: "reordered header", ws: newMemSheet([]string{"Client", "Year", "Title", "Subtitle", "Detail", "Tags", "Preview URL", "Thumbnail", "File ID", "Status"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := ReadSnapshot(context.Background(), tt.ws, fastPolicy("read", 2), discard())
			if err != nil {
				t.Fatalf("ReadSnapshot() failed: %v", err)
			}
			if !snap.HeaderRepaired {
				t.Error("HeaderRepaired = false")
			}
			if diff := cmp.Diff(sheet.Header, tt.ws.rows[0][:sheet.NumCols]); diff != "" {
				t.Errorf("header mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestRow_ShortRow tests that missing trailing cells read as empty
func TestRow_ShortRow(t *testing.T) {
	r := Row{Num: 2, Values: []string{"2024", "Acme"}}
	if r.FileID() != "" || r.Status() != "" || r.Edited() {
		t.Errorf("short row = %q %q %v", r.FileID(), r.Status(), r.Edited())
	}
	if r.Get(0) != "" || r.Get(2) != "Acme" {
		t.Errorf("Get() out of range handling wrong")
	}
}
