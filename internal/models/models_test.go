package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSnippet(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"short", "hello", 5},
		{"exact", strings.Repeat("a", 500), 500},
		{"long ascii", strings.Repeat("a", 600), 500},
		{"long multibyte", strings.Repeat("日", 600), 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Snippet(tt.in)
			if n := len([]rune(got)); n != tt.want {
				t.Fatalf("len = %d, want %d", n, tt.want)
			}
			if !strings.HasPrefix(tt.in, got) {
				t.Fatal("snippet must be a prefix")
			}
		})
	}
}

func TestNewRetrievalMatchDefaultsTitle(t *testing.T) {
	m := NewRetrievalMatch("42", "", "", "text", 0.5)
	if m.Title != "doc-42" {
		t.Fatalf("title = %q", m.Title)
	}
	m = NewRetrievalMatch("42", "Returns", "https://kb/42", "text", 0.5)
	if m.Title != "Returns" || m.URL != "https://kb/42" {
		t.Fatalf("unexpected match %+v", m)
	}
}

func TestExtractedFieldsAbsentSerializeAsNull(t *testing.T) {
	data, err := json.Marshal(ExtractedFields{})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"order_id", "tracking_no", "product_name", "price", "issue_type", "confidence", "low_confidence"} {
		v, ok := got[k]
		if !ok || v != nil {
			t.Errorf("%s = %v (present %v), want null", k, v, ok)
		}
	}
}

func TestLookup(t *testing.T) {
	id := "A1"
	f := ExtractedFields{OrderID: &id}
	if v, ok := f.Lookup("order_id"); !ok || v != "A1" {
		t.Fatalf("order_id = %q %v", v, ok)
	}
	if _, ok := f.Lookup("tracking_no"); ok {
		t.Fatal("tracking_no should be absent")
	}
	if f.IsEmpty() {
		t.Fatal("IsEmpty should be false")
	}
	if !(ExtractedFields{}).IsEmpty() {
		t.Fatal("zero value should be empty")
	}
}

func TestKnowledgeDocValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  KnowledgeDoc
		ok   bool
	}{
		{"valid", KnowledgeDoc{ID: "d1", Title: "t", URL: "https://kb/1"}, true},
		{"id at limit", KnowledgeDoc{ID: strings.Repeat("a", MaxDocIDBytes)}, true},
		{"missing id", KnowledgeDoc{}, false},
		{"long id", KnowledgeDoc{ID: strings.Repeat("a", MaxDocIDBytes+1)}, false},
		{"long title", KnowledgeDoc{ID: "d", Title: strings.Repeat("a", MaxTitleBytes+1)}, false},
		{"long url", KnowledgeDoc{ID: "d", URL: strings.Repeat("a", MaxURLBytes+1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.doc.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidDocument) {
				t.Fatalf("expected ErrInvalidDocument, got %v", err)
			}
		})
	}
}

func TestTruncateBytes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"héllo", 2, "h"},
		{"日本語", 4, "日"},
	}
	for _, tt := range tests {
		got := TruncateBytes(tt.in, tt.n)
		if got != tt.want {
			t.Errorf("TruncateBytes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("TruncateBytes(%q, %d) produced invalid UTF-8", tt.in, tt.n)
		}
	}
}
