package naming

import "strings"

// Rule is one step of the filename grammar. Rules are evaluated in a fixed
// priority order; the first rule that matches a part claims it.
type Rule struct {
	Name string

	match func(m *Metadata, part string) bool
	apply func(m *Metadata, part string)
}

// Rule names, in evaluation order.
const (
	RuleSequence    = "sequence"
	RuleYear        = "year"
	RuleClient      = "client"
	RuleTitle       = "title"
	RuleTagMarker   = "tag-marker"
	RuleSubtitle    = "subtitle"
	RuleExtraIdent  = "extra-identifier"
	RuleFallbackTag = "fallback-tag"
)

var (
	sequenceRule = &Rule{
		Name:  RuleSequence,
		match: func(_ *Metadata, part string) bool { return sequencePattern.MatchString(part) },
		apply: func(m *Metadata, part string) { m.Sequence = part },
	}

	// LeadingRules look only at the head of the remaining parts and fire at
	// most once each, in order: year, client, title.
	LeadingRules = []*Rule{
		{
			Name:  RuleYear,
			match: func(_ *Metadata, part string) bool { return yearPattern.MatchString(part) },
			apply: func(m *Metadata, part string) { m.Year = part },
		},
		{
			Name:  RuleClient,
			match: func(_ *Metadata, part string) bool { return identPattern.MatchString(part) },
			apply: func(m *Metadata, part string) { m.Client = display(part) },
		},
		{
			Name:  RuleTitle,
			match: func(_ *Metadata, part string) bool { return identPattern.MatchString(part) },
			apply: func(m *Metadata, part string) { m.Title = display(part) },
		},
	}

	// TrailingRules classify the remaining parts. The last rule accepts
	// anything.
	TrailingRules = []*Rule{
		{
			Name:  RuleTagMarker,
			match: func(_ *Metadata, part string) bool { return tagPattern.MatchString(part) },
			apply: func(m *Metadata, part string) { m.Tags = append(m.Tags, splitTags(part)...) },
		},
		{
			Name: RuleSubtitle,
			match: func(m *Metadata, part string) bool {
				return m.Subtitle == "" && identPattern.MatchString(part)
			},
			apply: func(m *Metadata, part string) { m.Subtitle = display(part) },
		},
		{
			Name:  RuleExtraIdent,
			match: func(_ *Metadata, part string) bool { return identPattern.MatchString(part) },
			apply: func(m *Metadata, part string) { m.Tags = append(m.Tags, display(part)) },
		},
		{
			Name:  RuleFallbackTag,
			match: func(_ *Metadata, part string) bool { return true },
			apply: func(m *Metadata, part string) { m.Tags = append(m.Tags, display(part)) },
		},
	}
)

// Token is a filename part together with the rule that claimed it.
type Token struct {
	Text string
	Rule *Rule
}

// baseRule records the base identity; it is not part of the grammar proper.
var baseRule = &Rule{
	Name:  "base",
	apply: func(m *Metadata, part string) { m.BaseIdentity = part },
}

// Classify splits filename into parts and assigns each one a rule. The first
// token is always the base identity, followed by the grammar tokens in the
// order they are applied. Empty parts are dropped.
func Classify(filename string) []Token {
	parts := strings.Split(Stem(filename), Separator)

	var seq *Token
	if n := len(parts); n > 0 && sequenceRule.match(nil, parts[n-1]) {
		seq = &Token{Text: parts[n-1], Rule: sequenceRule}
		parts = parts[:n-1]
	}

	tokens := []Token{{Text: strings.Join(parts, Separator), Rule: baseRule}}
	if seq != nil {
		tokens = append(tokens, *seq)
	}

	// Matching is evaluated against a scratch record so subtitle-dependent
	// rules see what earlier parts produced.
	var scratch Metadata
	for _, r := range LeadingRules {
		if len(parts) == 0 {
			break
		}
		if r.match(&scratch, parts[0]) {
			r.apply(&scratch, parts[0])
			tokens = append(tokens, Token{Text: parts[0], Rule: r})
			parts = parts[1:]
		}
	}

	for _, part := range parts {
		if part == "" {
			continue
		}
		for _, r := range TrailingRules {
			if r.match(&scratch, part) {
				r.apply(&scratch, part)
				tokens = append(tokens, Token{Text: part, Rule: r})
				break
			}
		}
	}
	return tokens
}
