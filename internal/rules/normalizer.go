package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"golang.org/x/text/width"
	"gopkg.in/yaml.v3"
)

// ErrUnstable is returned when the rules keep rewriting text after the pass
// limit. The partially rewritten text is still returned.
var ErrUnstable = errors.New("vocabulary rules did not settle")

// Rule rewrites one term. Exactly one of Match or Pattern is set.
type Rule struct {
	// Match is a literal term, matched case-insensitively unless
	// CaseSensitive is set.
	Match string `yaml:"match"`
	// Pattern is an RE2 expression. Replace may reference groups as $1.
	Pattern       string `yaml:"pattern"`
	Replace       string `yaml:"replace"`
	CaseSensitive bool   `yaml:"caseSensitive"`
	// WholeWord anchors Match on word boundaries. Leave it off for terms in
	// scripts written without spaces.
	WholeWord bool `yaml:"wholeWord"`
	// FirstOnly replaces only the leftmost occurrence per pass.
	FirstOnly bool `yaml:"firstOnly"`
}

// Vocabulary is the on-disk rules document.
type Vocabulary struct {
	// FoldWidth narrows full-width ASCII and widens half-width kana before
	// rules run. Defaults to true.
	FoldWidth      *bool  `yaml:"foldWidth"`
	CollapseSpaces bool   `yaml:"collapseSpaces"`
	MaxPasses      int    `yaml:"maxPasses"`
	Rules          []Rule `yaml:"rules"`
}

type compiledRule struct {
	re      *regexp.Regexp
	replace string
	first   bool
}

func (r compiledRule) apply(input string) string {
	if !r.first {
		return r.re.ReplaceAllString(input, r.replace)
	}
	loc := r.re.FindStringSubmatchIndex(input)
	if loc == nil {
		return input
	}
	expanded := r.re.ExpandString(nil, r.replace, input, loc)
	return input[:loc[0]] + string(expanded) + input[loc[1]:]
}

var spaceRun = regexp.MustCompile(`[ \t]+`)

// Normalizer corrects recognized text against a care vocabulary.
type Normalizer struct {
	rules          []compiledRule
	foldWidth      bool
	collapseSpaces bool
	maxPasses      int
}

// Load reads a YAML vocabulary. An empty path or a missing file yields a
// normalizer that only folds character width.
func Load(path string) (*Normalizer, error) {
	if strings.TrimSpace(path) == "" {
		return New(Vocabulary{})
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(Vocabulary{})
		}
		return nil, fmt.Errorf("failed to read vocabulary %q: %w", path, err)
	}

	var vocab Vocabulary
	if err := yaml.Unmarshal(contents, &vocab); err != nil {
		return nil, fmt.Errorf("failed to parse vocabulary %q: %w", path, err)
	}
	n, err := New(vocab)
	if err != nil {
		return nil, fmt.Errorf("vocabulary %q: %w", path, err)
	}
	return n, nil
}

// New compiles vocab.
func New(vocab Vocabulary) (*Normalizer, error) {
	n := &Normalizer{
		foldWidth:      vocab.FoldWidth == nil || *vocab.FoldWidth,
		collapseSpaces: vocab.CollapseSpaces,
		maxPasses:      vocab.MaxPasses,
	}
	if n.maxPasses <= 0 {
		n.maxPasses = 30
	}

	for i, rule := range vocab.Rules {
		compiled, err := compileRule(rule)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		n.rules = append(n.rules, compiled)
	}
	return n, nil
}

func compileRule(rule Rule) (compiledRule, error) {
	match := strings.TrimSpace(rule.Match)
	pattern := rule.Pattern

	var expr string
	switch {
	case match != "" && pattern != "":
		return compiledRule{}, errors.New("set either match or pattern, not both")
	case match != "":
		expr = regexp.QuoteMeta(match)
		if rule.WholeWord {
			expr = `\b` + expr + `\b`
		}
	case pattern != "":
		expr = pattern
	default:
		return compiledRule{}, errors.New("rule needs a match or a pattern")
	}
	if !rule.CaseSensitive {
		expr = "(?i)" + expr
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return compiledRule{}, fmt.Errorf("invalid pattern: %w", err)
	}
	replace := rule.Replace
	if match != "" {
		// Literal replacements must not expand $ references.
		replace = strings.ReplaceAll(replace, "$", "$$")
	}
	return compiledRule{re: re, replace: replace, first: rule.FirstOnly}, nil
}

// Apply rewrites text until no rule changes it.
func (n *Normalizer) Apply(text string) (string, error) {
	result := text
	if n.foldWidth {
		result = width.Fold.String(result)
	}

	settled := len(n.rules) == 0
	for pass := 0; pass < n.maxPasses && !settled; pass++ {
		next := result
		for _, rule := range n.rules {
			next = rule.apply(next)
		}
		settled = next == result
		result = next
	}

	if n.collapseSpaces {
		result = spaceRun.ReplaceAllString(result, " ")
	}
	if !settled {
		return result, ErrUnstable
	}
	return result, nil
}

// Len reports how many rules are loaded.
func (n *Normalizer) Len() int { return len(n.rules) }
