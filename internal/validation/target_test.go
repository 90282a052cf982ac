package validation

import (
	"strings"
	"testing"
)

func TestIsValidTarget(t *testing.T) {
	tests := []struct {
		name   string
		target string
		valid  bool
	}{
		{
			name:   "typical community name",
			target: "golang",
			valid:  true,
		},
		{
			name:   "digits and underscore",
			target: "Web_Dev_2024",
			valid:  true,
		},
		{
			name:   "minimum length",
			target: "go",
			valid:  true,
		},
		{
			name:   "maximum length",
			target: strings.Repeat("a", 21),
			valid:  true,
		},
		{
			name:   "too short",
			target: "a",
			valid:  false,
		},
		{
			name:   "too long",
			target: strings.Repeat("a", 22),
			valid:  false,
		},
		{
			name:   "contains hyphen",
			target: "web-dev",
			valid:  false,
		},
		{
			name:   "contains space",
			target: "web dev",
			valid:  false,
		},
		{
			name:   "non-latin letters",
			target: "гофер",
			valid:  false,
		},
		{
			name:   "empty string",
			target: "",
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidTarget(tt.target)
			if got != tt.valid {
				t.Fatalf("IsValidTarget(%q) = %v, want %v", tt.target, got, tt.valid)
			}
		})
	}
}
