// Package naming parses the metadata encoded in image filenames.
//
// A filename is split on underscores into parts:
//
//	2024_AcmeCo_Launch_Teaser_t-web-branding_01.jpg
//	year client title subtitle tags         sequence
//
// Parsing is total. Parts that do not fit the grammar are kept as tags so
// nothing in the filename is silently dropped; the stricter Lint variant
// reports them as errors instead.
package naming

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Separator splits a filename stem into parts.
const Separator = "_"

// TagMarker prefixes a part that carries one or more hyphen-separated tags.
const TagMarker = "t-"

var (
	yearPattern     = regexp.MustCompile(`^\d{4}$`)
	identPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-]*$`)
	tagPattern      = regexp.MustCompile(`^t-[A-Za-z0-9\-]+$`)
	sequencePattern = regexp.MustCompile(`^\d{2}$`)
)

// Metadata is the structured record recovered from one filename.
//
// Empty strings mean the field is absent. Client, Title, Subtitle and Tags
// hold display values (hyphens rendered as spaces); BaseIdentity keeps the
// raw parts so it can be used for grouping.
type Metadata struct {
	Filename     string   `json:"filename"`
	Year         string   `json:"year,omitempty"`
	Client       string   `json:"client,omitempty"`
	Title        string   `json:"title,omitempty"`
	Subtitle     string   `json:"subtitle,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Sequence     string   `json:"sequence,omitempty"`
	BaseIdentity string   `json:"base_identity"`
}

// SequenceNumber returns the numeric sequence, or 0 when absent.
func (m Metadata) SequenceNumber() int {
	n, err := strconv.Atoi(m.Sequence)
	if err != nil {
		return 0
	}
	return n
}

// Detail composes the human readable description stored alongside each row:
// "Title - Subtitle (01) for Client (2024)". It is empty when title, client
// and year are all absent.
func (m Metadata) Detail() string {
	if m.Title == "" && m.Client == "" && m.Year == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.Title)
	if m.Subtitle != "" {
		b.WriteString(" - " + m.Subtitle)
	}
	if m.Sequence != "" {
		b.WriteString(" (" + m.Sequence + ")")
	}
	if m.Client != "" {
		b.WriteString(" for " + m.Client)
	}
	if m.Year != "" {
		b.WriteString(" (" + m.Year + ")")
	}
	return b.String()
}

// TagList joins tags the way they are stored remotely.
func (m Metadata) TagList() string {
	return strings.Join(m.Tags, ", ")
}

// Stem returns the base name of path without its extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Parse extracts metadata from a filename or path. It never fails.
func Parse(filename string) Metadata {
	m := Metadata{Filename: filepath.Base(filename)}
	for _, tok := range Classify(filename) {
		tok.Rule.apply(&m, tok.Text)
	}
	return m
}

// display renders hyphens as spaces.
func display(s string) string {
	return strings.ReplaceAll(s, "-", " ")
}

// splitTags expands a tag-marker part into its sub-tags.
func splitTags(part string) []string {
	var tags []string
	for _, t := range strings.Split(strings.TrimPrefix(part, TagMarker), "-") {
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
