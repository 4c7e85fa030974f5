package preparser

import (
	"strings"
	"testing"
)

func joinSlices(slices []string) string {
	var sb strings.Builder
	for _, s := range slices {
		sb.WriteString(s)
	}
	return sb.String()
}

func TestSplitReconstructsContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		env     map[string]bool
	}{
		{
			name:    "no directives",
			content: "! Title: x\n||a^\n||b^\n",
			env:     nil,
		},
		{
			name:    "single active block",
			content: "! Title: x\n!#if chrome\n||a^\n!#endif\n||b^\n",
			env:     map[string]bool{"chrome": true},
		},
		{
			name:    "single inactive block",
			content: "! Title: x\n!#if chrome\n||a^\n!#endif\n||b^\n",
			env:     map[string]bool{"chrome": false},
		},
		{
			name:    "else branch",
			content: "!#if chrome\n||a^\n!#else\n||b^\n!#endif\n",
			env:     map[string]bool{"chrome": false},
		},
		{
			name:    "nested blocks",
			content: "!#if chrome\n!#if ext\n||a^\n!#endif\n||b^\n!#endif\n||c^\n",
			env:     map[string]bool{"chrome": true, "ext": false},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			slices := Split(tt.content, tt.env)
			if got := joinSlices(slices); got != tt.content {
				t.Errorf("joined slices = %q, want %q", got, tt.content)
			}
		})
	}
}

func TestSplitMarksActiveSlicesAtEvenIndex(t *testing.T) {
	t.Parallel()

	content := "! Title: x\n!#if chrome\n||a^\n!#endif\n||b^\n"
	slices := Split(content, map[string]bool{"chrome": false})

	if len(slices) < 2 {
		t.Fatalf("expected at least 2 slices, got %d: %#v", len(slices), slices)
	}
	if strings.Contains(slices[1], "||a^") == false {
		t.Errorf("expected inactive slice (index 1) to contain the excluded rule, got %#v", slices)
	}
	for i, s := range slices {
		if i%2 == 0 && strings.Contains(s, "||a^") {
			t.Errorf("excluded rule leaked into active slice %d: %q", i, s)
		}
	}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	env := map[string]bool{"chrome": true, "firefox": false}
	tests := []struct {
		expr string
		want bool
	}{
		{"chrome", true},
		{"firefox", false},
		{"!firefox", true},
		{"chrome && firefox", false},
		{"chrome || firefox", true},
		{"unknown", false},
		{"true", true},
		{"", true},
	}

	for _, tt := range tests {
		if got := evaluate(tt.expr, env); got != tt.want {
			t.Errorf("evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}
