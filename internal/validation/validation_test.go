package validation

import (
	"testing"
)

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("buyerId", "party_1"),
		PositiveAmount("price", 120.0),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("buyerId", ""),
		PositiveAmount("price", -1),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestPositiveAmount(t *testing.T) {
	tests := []struct {
		value float64
		valid bool
	}{
		{1.00, true},
		{0.01, true},
		{100, true},

		// Invalid
		{0, false},
		{-1.00, false},
	}

	for _, tc := range tests {
		err := PositiveAmount("amount", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("PositiveAmount(%v) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	if err := MaxLength("body", "short", 10)(); err != nil {
		t.Errorf("Expected no error for short string, got %v", err)
	}

	// Over limit
	if err := MaxLength("body", "this is far too long", 5)(); err == nil {
		t.Error("Expected error for over-long string")
	}
}
