package redact

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact_BuiltinCategories(t *testing.T) {
	r := NewDefault()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "email",
			input: "mail bob@example.com please",
			want:  "mail [EMAIL_REDACTED] please",
		},
		{
			name:  "tax id",
			input: "ssn 123-45-6789 on file",
			want:  "ssn [TAX_ID_REDACTED] on file",
		},
		{
			name:  "card number",
			input: "card 4111 1111 1111 1111 expires soon",
			want:  "card [CARD_REDACTED]expires soon",
		},
		{
			name:  "phone",
			input: "call +1 555-867-5309 now",
			want:  "call [PHONE_REDACTED] now",
		},
		{
			name:  "clean text untouched",
			input: "summarize the quarterly report",
			want:  "summarize the quarterly report",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Redact(tt.input))
		})
	}
}

func TestRedact_Literal(t *testing.T) {
	r, err := NewDefault().WithLiteral(CategorySecret, "hunter2")
	require.NoError(t, err)

	assert.Equal(t, "my password is [SECRET_REDACTED]", r.Redact("my password is hunter2"))
}

func TestRedact_Idempotent(t *testing.T) {
	r := NewDefault()
	inputs := []string{
		"bob@example.com and 123-45-6789",
		"nested bob@example.com bob@example.com",
		"[EMAIL_REDACTED] already masked",
		"",
	}
	for _, in := range inputs {
		once := r.Redact(in)
		assert.Equal(t, once, r.Redact(once), "input %q", in)
	}
}

func TestRedact_IdempotentProperty(t *testing.T) {
	r := NewDefault()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("redact(redact(x)) == redact(x)", prop.ForAll(
		func(s string) bool {
			once := r.Redact(s)
			return r.Redact(once) == once
		},
		gen.AnyString(),
	))

	properties.Property("no email survives redaction", prop.ForAll(
		func(local string) bool {
			out := r.Redact(local + "@corp.example.org")
			return !containsEmail(r, out)
		},
		gen.RegexMatch(`[a-z0-9]{1,12}`),
	))

	properties.TestingRun(t)
}

func containsEmail(r *Redactor, s string) bool {
	for _, p := range r.Patterns() {
		if p.Category == CategoryEmail && p.re.MatchString(s) {
			return true
		}
	}
	return false
}

func TestRedact_InvalidPatternRejected(t *testing.T) {
	_, err := New(Pattern{Category: "X", Expr: "["})
	assert.Error(t, err)
}

func TestRedactValue_DeepWalk(t *testing.T) {
	r := NewDefault()
	in := map[string]any{
		"note":  "email bob@example.com",
		"count": 3,
		"items": []any{"123-45-6789", 42, map[string]any{"phone": "+1 555-867-5309"}},
	}

	out := r.RedactValue(in).(map[string]any)
	assert.Equal(t, "email [EMAIL_REDACTED]", out["note"])
	assert.Equal(t, 3, out["count"])
	items := out["items"].([]any)
	assert.Equal(t, "[TAX_ID_REDACTED]", items[0])
	assert.Equal(t, 42, items[1])
	assert.Equal(t, "[PHONE_REDACTED]", items[2].(map[string]any)["phone"])
}

func TestRedact_DeterministicOrder(t *testing.T) {
	// Two redactors built with the same patterns in different insertion
	// order must produce identical output.
	p1 := Pattern{Category: "A", Expr: `aaaa+`}
	p2 := Pattern{Category: "B", Expr: `aa`}

	r1, err := New(p1, p2)
	require.NoError(t, err)
	r2, err := New(p2, p1)
	require.NoError(t, err)

	in := "aaaaaa"
	assert.Equal(t, r1.Redact(in), r2.Redact(in))
	// Longest pattern wins first.
	assert.Equal(t, "[A_REDACTED]", r1.Redact(in))
}
