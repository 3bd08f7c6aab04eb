package flagparse

import (
	"slices"
	"testing"
)

func TestParseList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{"Simple List", "a,b,c", []string{"a", "b", "c"}},
		{"List with Spaces", " a , b, c ", []string{"a", "b", "c"}},
		{"Empty String", "", nil},
		{"Quoted Item with Spaces", "'item with spaces',b", []string{"item with spaces", "b"}},
		{"Quoted Item with Comma", "'a,b',c", []string{"a,b", "c"}},
		{"Mixed Quoted and Unquoted", "a,'b,c',d", []string{"a", "b,c", "d"}},
		{"Unmatched Quote", "'a,b", []string{"a,b"}},
		{"Double Quoted Item with Spaces", "\"item with spaces\",b", []string{"item with spaces", "b"}},
		{"Nested Quotes", "'a \"b\" c',d", []string{"a \"b\" c", "d"}},
		{"Windows Path with Backslashes", `C:\Users\Test,D:\Data`, []string{`C:\Users\Test`, `D:\Data`}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := ParseList(tc.input)
			if !slices.Equal(result, tc.expected) {
				t.Errorf("expected %v, but got %v", tc.expected, result)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	testCases := []struct {
		input     string
		expected  Command
		expectErr bool
	}{
		{"watch", Watch, false},
		{"init", Init, false},
		{"archive", Archive, false},
		{"status", Status, false},
		{"version", Version, false},
		{"none", None, true},
		{"backup", None, true},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseCommand(tc.input)
			if (err != nil) != tc.expectErr {
				t.Fatalf("ParseCommand(%q) error = %v, expectErr %v", tc.input, err, tc.expectErr)
			}
			if got != tc.expected {
				t.Errorf("ParseCommand(%q) = %v, want %v", tc.input, got, tc.expected)
			}
		})
	}
}

func TestParse(t *testing.T) {
	t.Run("Watch Only Set Flags", func(t *testing.T) {
		cmd, flags, err := Parse([]string{"watch", "-source", "/src", "-backup", "/dst", "-debounce-ms", "500", "-record-failures"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cmd != Watch {
			t.Fatalf("expected watch command, got %v", cmd)
		}
		want := map[string]any{
			"source":          "/src",
			"backup":          "/dst",
			"debounce-ms":     500,
			"record-failures": true,
		}
		if len(flags) != len(want) {
			t.Fatalf("expected %d flags, got %d: %v", len(want), len(flags), flags)
		}
		for k, v := range want {
			if flags[k] != v {
				t.Errorf("flag %s: expected %v, got %v", k, v, flags[k])
			}
		}
	})

	t.Run("Case Insensitive Command", func(t *testing.T) {
		cmd, _, err := Parse([]string{"STATUS", "-backup", "/dst"})
		if err != nil || cmd != Status {
			t.Fatalf("expected status command, got %v, %v", cmd, err)
		}
	})

	t.Run("Archive Exclude List", func(t *testing.T) {
		_, flags, err := Parse([]string{"archive", "-backup", "/dst", "-exclude", "backup.log, 'a b'"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, ok := flags["exclude"].([]string)
		if !ok || !slices.Equal(got, []string{"backup.log", "a b"}) {
			t.Errorf("unexpected exclude list: %v", flags["exclude"])
		}
	})

	t.Run("Flag Not Registered For Command", func(t *testing.T) {
		if _, _, err := Parse([]string{"status", "-source", "/src"}); err == nil {
			t.Error("expected error for flag not accepted by status")
		}
	})

	t.Run("Unexpected Positional Argument", func(t *testing.T) {
		if _, _, err := Parse([]string{"watch", "-source", "/src", "extra"}); err == nil {
			t.Error("expected error for positional argument")
		}
	})

	t.Run("Version Has No Flags", func(t *testing.T) {
		cmd, flags, err := Parse([]string{"version"})
		if err != nil || cmd != Version || flags != nil {
			t.Errorf("expected bare version command, got %v, %v, %v", cmd, flags, err)
		}
	})

	t.Run("Unknown Command", func(t *testing.T) {
		if _, _, err := Parse([]string{"restore"}); err == nil {
			t.Error("expected error for unknown command")
		}
	})
}
