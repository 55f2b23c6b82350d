package naming

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// LintExtensions are the image extensions the linter inspects by default.
var LintExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".webp"}

// MinParts is the minimum number of parts a well-formed filename has:
// year, client, title and sequence.
const MinParts = 4

// Analysis is the result of linting one filename. Unlike Parse, the linter
// reads parts positionally and reports every deviation from the grammar.
type Analysis struct {
	Filename  string   `json:"filename"`
	Path      string   `json:"path,omitempty"`
	Parts     []string `json:"parts"`
	Year      string   `json:"year,omitempty"`
	Client    string   `json:"client,omitempty"`
	Title     string   `json:"title,omitempty"`
	Subtitles []string `json:"subtitles,omitempty"`
	TagPart   string   `json:"tag_part,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Sequence  string   `json:"sequence,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// Valid reports whether no errors were found.
func (a Analysis) Valid() bool {
	return len(a.Errors) == 0
}

func (a *Analysis) errorf(format string, args ...any) {
	a.Errors = append(a.Errors, fmt.Sprintf(format, args...))
}

// Lint checks filename against the naming convention. Tags are validated
// against vocab unless vocab is empty.
func Lint(filename string, vocab *Vocabulary) Analysis {
	parts := strings.Split(Stem(filename), Separator)
	a := Analysis{Filename: filepath.Base(filename), Parts: parts}

	if len(parts) > 0 {
		a.Year = parts[0]
	}
	if len(parts) > 1 {
		a.Client = parts[1]
	}
	if len(parts) > 2 {
		a.Title = parts[2]
	}
	if len(parts) < MinParts {
		a.errorf("not enough parts: need at least %d, got %d", MinParts, len(parts))
		return a
	}
	a.Sequence = parts[len(parts)-1]

	if !yearPattern.MatchString(parts[0]) {
		a.errorf("invalid year %q: must be 4 digits", parts[0])
	}
	if !identPattern.MatchString(parts[1]) {
		a.errorf("invalid client %q: letters, digits and hyphens only", parts[1])
	}
	if !identPattern.MatchString(parts[2]) {
		a.errorf("invalid title %q: letters, digits and hyphens only", parts[2])
	}
	if !sequencePattern.MatchString(a.Sequence) {
		a.errorf("invalid sequence %q: must be 2 digits", a.Sequence)
	}

	checkTags := vocab.Len() > 0
	for _, part := range parts[3 : len(parts)-1] {
		if strings.HasPrefix(part, TagMarker) {
			a.TagPart = part
			if !tagPattern.MatchString(part) {
				a.errorf("invalid tag part %q", part)
			}
			for _, tag := range splitTags(part) {
				a.Tags = append(a.Tags, tag)
				if checkTags && !vocab.Has(tag) {
					a.errorf("unknown tag %q", tag)
				}
			}
			continue
		}

		a.Subtitles = append(a.Subtitles, part)
		if !identPattern.MatchString(part) {
			a.errorf("invalid subtitle %q: letters, digits and hyphens only", part)
		}
		if vocab.Has(part) {
			a.errorf("subtitle %q is a known tag; write it as %q", part, TagMarker+part)
		}
	}

	if a.TagPart == "" && len(parts) > MinParts {
		a.errorf("missing tag part: write tags as %q", TagMarker+"tag1-tag2")
	}
	return a
}

// LintDir walks root and lints every file with one of exts. Only files with
// errors are returned, in walk order.
func LintDir(root string, exts []string, vocab *Vocabulary) ([]Analysis, error) {
	if len(exts) == 0 {
		exts = LintExtensions
	}
	want := make(map[string]bool, len(exts))
	for _, e := range exts {
		want[strings.ToLower(e)] = true
	}

	var invalid []Analysis
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !want[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		a := Lint(d.Name(), vocab)
		if !a.Valid() {
			a.Path = path
			invalid = append(invalid, a)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return invalid, nil
}
