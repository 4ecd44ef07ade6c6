// Package redact masks personally identifiable information in strings
// before anything reaches the journal or a decision record. Redaction is
// pure and best-effort: it never fails, and applying it twice yields the
// same output as applying it once.
package redact

import (
	"fmt"
	"regexp"
	"sort"
)

// Built-in category labels.
const (
	CategoryEmail  = "EMAIL"
	CategoryTaxID  = "TAX_ID"
	CategoryCard   = "CARD"
	CategoryPhone  = "PHONE"
	CategorySecret = "SECRET"
)

// Pattern pairs a category label with a compiled expression.
type Pattern struct {
	Category string
	Expr     string
	re       *regexp.Regexp
}

// Placeholder returns the replacement token for this pattern's category.
func (p Pattern) Placeholder() string {
	return "[" + p.Category + "_REDACTED]"
}

// Redactor applies a fixed pattern set in deterministic order: longest
// expression first, ties broken lexicographically. The placeholders
// contain no characters the built-in patterns can match, which makes the
// whole pass idempotent.
type Redactor struct {
	patterns []Pattern
}

// New builds a Redactor from explicit patterns. Invalid expressions are
// rejected so a bad policy file cannot silently disable masking.
func New(patterns ...Pattern) (*Redactor, error) {
	r := &Redactor{}
	for _, p := range patterns {
		if err := r.add(p.Category, p.Expr); err != nil {
			return nil, err
		}
	}
	r.sortPatterns()
	return r, nil
}

// NewDefault returns a Redactor with the standard PII pattern set:
// emails, US tax identifiers, card-like digit runs, and phone numbers.
func NewDefault() *Redactor {
	r := &Redactor{}
	// These expressions are vetted at build time; add cannot fail here.
	_ = r.add(CategoryEmail, `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	_ = r.add(CategoryTaxID, `\b\d{3}-\d{2}-\d{4}\b`)
	_ = r.add(CategoryCard, `\b(?:\d[ -]?){13,16}\b`)
	_ = r.add(CategoryPhone, `(?:\+?\d{1,2}[\s.-])?\(?\d{3}\)?[\s.-]\d{3}[\s.-]\d{4}\b`)
	r.sortPatterns()
	return r
}

// WithPattern returns a copy of the Redactor extended with one more
// pattern. The receiver is not modified.
func (r *Redactor) WithPattern(category, expr string) (*Redactor, error) {
	clone := &Redactor{patterns: append([]Pattern(nil), r.patterns...)}
	if err := clone.add(category, expr); err != nil {
		return nil, err
	}
	clone.sortPatterns()
	return clone, nil
}

// WithLiteral returns a copy that also masks an exact string, e.g. a
// name or secret enumerated in policy.
func (r *Redactor) WithLiteral(category, literal string) (*Redactor, error) {
	return r.WithPattern(category, regexp.QuoteMeta(literal))
}

func (r *Redactor) add(category, expr string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("redact: invalid pattern %q for %s: %w", expr, category, err)
	}
	r.patterns = append(r.patterns, Pattern{Category: category, Expr: expr, re: re})
	return nil
}

func (r *Redactor) sortPatterns() {
	sort.SliceStable(r.patterns, func(i, j int) bool {
		a, b := r.patterns[i].Expr, r.patterns[j].Expr
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
}

// Patterns returns the active patterns in application order.
func (r *Redactor) Patterns() []Pattern {
	return append([]Pattern(nil), r.patterns...)
}

// Redact masks every configured pattern in s.
func (r *Redactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.re.ReplaceAllString(s, p.Placeholder())
	}
	return s
}

// RedactValue walks a decoded JSON value and masks every string in it.
// Non-string scalars pass through untouched.
func (r *Redactor) RedactValue(v any) any {
	switch t := v.(type) {
	case string:
		return r.Redact(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = r.RedactValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.RedactValue(val)
		}
		return out
	default:
		return v
	}
}
