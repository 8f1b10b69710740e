package ai

import (
	"errors"
	"strings"
	"testing"
)

func TestUnmarshalFlexible_ObjectVariants(t *testing.T) {
	type candidate struct {
		Title      string  `json:"title"`
		Confidence float64 `json:"confidence,omitempty"`
	}

	tests := []struct {
		name  string
		input string
		want  candidate
	}{
		{
			name:  "valid json object",
			input: `{"title":"water main break"}`,
			want:  candidate{Title: "water main break"},
		},
		{
			name:  "unquoted key and single quotes",
			input: `{title: 'water main break'}`,
			want:  candidate{Title: "water main break"},
		},
		{
			name:  "trailing comma",
			input: `{"title":"water main break",}`,
			want:  candidate{Title: "water main break"},
		},
		{
			name:  "missing endbracket",
			input: `{"title":"water main break`,
			want:  candidate{Title: "water main break"},
		},
		{
			name:  "stringified invalid json object",
			input: `"{title: 'water main break'}"`,
			want:  candidate{Title: "water main break"},
		},
		{
			name:  "duplicate leading brace",
			input: "{\n{\n  \"title\": \"water main break\"\n}\n",
			want:  candidate{Title: "water main break"},
		},
		{
			name:  "duplicate leading brace no newlines",
			input: `{ { "title": "water main break" }`,
			want:  candidate{Title: "water main break"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got candidate
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if got.Title != tc.want.Title || got.Confidence != tc.want.Confidence {
				t.Fatalf("UnmarshalFlexible() got = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestUnmarshalFlexible_ArrayVariants(t *testing.T) {
	type candidate struct {
		Title string `json:"title"`
	}

	input := `[{title:'A'},{title:'B',}]`
	var got []candidate
	if err := UnmarshalFlexible(input, &got); err != nil {
		t.Fatalf("UnmarshalFlexible() error = %v", err)
	}
	if len(got) != 2 || got[0].Title != "A" || got[1].Title != "B" {
		t.Fatalf("UnmarshalFlexible() got = %+v, want two candidates A,B", got)
	}
}

func TestUnmarshalFlexible_Unrecoverable(t *testing.T) {
	type candidate struct {
		Title string `json:"title"`
	}

	var got candidate
	err := UnmarshalFlexible("hello", &got)
	if err == nil {
		t.Fatalf("UnmarshalFlexible() expected error for unrecoverable input")
	}
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("UnmarshalFlexible() error = %v, want ErrMalformedOutput", err)
	}
}

func TestUnmarshalFlexible_StringifiedNested(t *testing.T) {
	type finding struct {
		Title     string   `json:"title"`
		Kind      string   `json:"kind"`
		Locations []string `json:"locations"`
	}

	input := `"{ \"title\": \"shelter overflow\", \"kind\": \"tension\", \"locations\": [ \"Eastside\", \"Dockyards\" ] }"`
	var got finding
	if err := UnmarshalFlexible(input, &got); err != nil {
		t.Fatalf("UnmarshalFlexible() error = %v", err)
	}
	if got.Title != "shelter overflow" || got.Kind != "tension" {
		t.Fatalf("UnmarshalFlexible() got = %+v", got)
	}
	if len(got.Locations) != 2 || got.Locations[0] != "Eastside" {
		t.Fatalf("UnmarshalFlexible() locations = %+v", got.Locations)
	}
}

func TestGenerateSchema(t *testing.T) {
	type finding struct {
		Title      string  `json:"title" jsonschema:"description=Short headline"`
		Confidence float64 `json:"confidence"`
	}

	schema := GenerateSchema(finding{})
	if schema == nil {
		t.Fatal("GenerateSchema() returned nil")
	}

	// Pointer and value inputs must produce the same shape.
	fromPtr := GenerateSchema(&finding{})
	if fromPtr == nil {
		t.Fatal("GenerateSchema() returned nil for pointer input")
	}
}

func TestStripDuplicateLeadingBrace(t *testing.T) {
	if got := stripDuplicateLeadingBrace(`{ { "a": 1 }`); !strings.HasPrefix(got, `{ "a"`) {
		t.Fatalf("stripDuplicateLeadingBrace() = %q", got)
	}
	if got := stripDuplicateLeadingBrace(`{"a": 1}`); got != `{"a": 1}` {
		t.Fatalf("stripDuplicateLeadingBrace() changed valid input: %q", got)
	}
}
