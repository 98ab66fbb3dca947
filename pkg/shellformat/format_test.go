package shellformat

import (
	"testing"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		opts     []Option
	}{
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
		{
			name:     "whitespace only",
			input:    "   \n\t  ",
			expected: "",
		},
		{
			name:     "simple command stays unchanged",
			input:    "echo hello",
			expected: "echo hello",
		},
		{
			name:     "redundant whitespace collapsed",
			input:    "echo    hello     world",
			expected: "echo hello world",
		},
		{
			name:     "trailing newline trimmed",
			input:    "make test\n",
			expected: "make test",
		},
		{
			name:     "redirects spaced",
			input:    "go test ./... >out.log",
			expected: "go test ./... > out.log",
		},
		{
			name:     "comments stripped",
			input:    "echo hi # greeting",
			expected: "echo hi",
		},
		{
			name:     "posix variant",
			input:    "echo hi",
			expected: "echo hi",
			opts:     []Option{WithVariant(POSIX)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Format(tt.input, tt.opts...)
			if err != nil {
				t.Fatalf("Format(%q) returned error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("Format(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatUnparsableInputReturnedVerbatim(t *testing.T) {
	// A log line is never worth failing over; broken syntax passes through.
	input := "echo 'unterminated"
	got, err := Format(input)
	if err != nil {
		t.Fatalf("Format returned error: %v", err)
	}
	if got != input {
		t.Errorf("Format(%q) = %q, want input unchanged", input, got)
	}
}
