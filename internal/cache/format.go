package cache

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

const pendingMarker = "pending"

// fileFormat is the on-disk layout of the cache file.
type fileFormat struct {
	ProcessedFiles map[string]status `json:"processed_files"`
	LastProcessed  *string           `json:"last_processed"`
	URLs           map[string]string `json:"gcs_urls"`
	FileHashes     map[string]string `json:"file_hashes"`
}

// loadFormat defers decoding of processed_files values so that one bad
// entry does not discard the whole file.
type loadFormat struct {
	ProcessedFiles map[string]json.RawMessage `json:"processed_files"`
	LastProcessed  *string                    `json:"last_processed"`
	URLs           map[string]string          `json:"gcs_urls"`
	FileHashes     map[string]string          `json:"file_hashes"`
}

// status is a processed_files value: the string "pending" or the unix time
// in seconds at which the upload was confirmed.
type status struct {
	pending bool
	at      float64
}

func statusAt(t time.Time) status {
	return status{at: float64(t.UnixNano()) / 1e9}
}

func (s status) time() time.Time {
	sec, frac := math.Modf(s.at)
	return time.Unix(int64(sec), int64(frac*1e9))
}

func (s status) MarshalJSON() ([]byte, error) {
	if s.pending {
		return json.Marshal(pendingMarker)
	}
	return json.Marshal(s.at)
}

func (s *status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if str != pendingMarker {
			return fmt.Errorf("unknown status %q", str)
		}
		*s = status{pending: true}
		return nil
	}

	var at float64
	if err := json.Unmarshal(data, &at); err != nil {
		return fmt.Errorf("status must be %q or a timestamp: %w", pendingMarker, err)
	}
	*s = status{at: at}
	return nil
}

// timestampLayouts are accepted for last_processed; older files were written
// without a zone offset.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
