package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/support-agent/backend/internal/llm"
)

type stubModel struct {
	reply string
	err   error
	last  llm.ChatRequest
	calls int
}

func (s *stubModel) Chat(_ context.Context, req llm.ChatRequest) (string, error) {
	s.calls++
	s.last = req
	return s.reply, s.err
}

var _ llm.ChatModel = (*stubModel)(nil)

func TestParseObject(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"empty", "", 0},
		{"plain text", "sorry, I cannot read this image", 0},
		{"fenced", "```json\n{\"order_id\": \"A1\", \"price\": 9.5}\n```", 2},
		{"surrounding prose", "Here you go: {\"a\": {\"b\": 1}} hope it helps", 1},
		{"truncated", "{\"order_id\": \"A1\"", 0},
		{"reversed braces", "} nothing {", 0},
		{"not an object", "[1, 2]", 0},
		{"invalid json", "{order_id: A1}", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseObject(tt.raw)
			if got == nil {
				t.Fatal("ParseObject must never return nil")
			}
			if len(got) != tt.want {
				t.Fatalf("got %d keys (%v), want %d", len(got), got, tt.want)
			}
		})
	}
}

func TestFieldsFromMapConfidence(t *testing.T) {
	tests := []struct {
		name string
		obj  map[string]any
		want *bool
	}{
		{"low", map[string]any{"confidence": 0.5}, boolPtr(true)},
		{"high", map[string]any{"confidence": 0.9}, boolPtr(false)},
		{"model flag overridden by confidence", map[string]any{"confidence": 0.9, "low_confidence": true}, boolPtr(false)},
		{"string confidence", map[string]any{"confidence": "0.42"}, boolPtr(true)},
		{"flag without confidence", map[string]any{"order_id": "A1", "low_confidence": true}, boolPtr(true)},
		{"absent", map[string]any{"order_id": "A1"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := FieldsFromMap(tt.obj)
			switch {
			case tt.want == nil && f.LowConfidence != nil:
				t.Fatalf("low_confidence = %v, want absent", *f.LowConfidence)
			case tt.want != nil && (f.LowConfidence == nil || *f.LowConfidence != *tt.want):
				t.Fatalf("low_confidence = %v, want %v", f.LowConfidence, *tt.want)
			}
		})
	}
}

func TestFieldsFromMapCoercion(t *testing.T) {
	f := FieldsFromMap(map[string]any{
		"order_id":     float64(12345),
		"tracking_no":  "  ",
		"product_name": nil,
		"price":        19.99,
		"issue_type":   map[string]any{"nested": true},
	})

	if f.OrderID == nil || *f.OrderID != "12345" {
		t.Errorf("order_id = %v", f.OrderID)
	}
	if f.Price == nil || *f.Price != "19.99" {
		t.Errorf("price = %v", f.Price)
	}
	if f.TrackingNo != nil || f.ProductName != nil || f.IssueType != nil {
		t.Errorf("expected blank, null and nested values to be absent: %+v", f)
	}
}

func TestExtractUnparsableOutputIsAllAbsent(t *testing.T) {
	for _, reply := range []string{"", "no json here", "{broken", "{}"} {
		model := &stubModel{reply: reply}
		e := NewExtractor(model, model, Config{})

		out := e.Extract(context.Background(), Input{ImageURL: "http://x/y.png"})
		if !out.Value.IsEmpty() {
			t.Errorf("reply %q: expected empty fields, got %+v", reply, out.Value)
		}
		if out.Value.LowConfidence != nil {
			t.Errorf("reply %q: low_confidence must stay absent", reply)
		}
		if !out.IsDegraded() {
			t.Errorf("reply %q: expected degraded outcome", reply)
		}
	}
}

func TestExtractModelErrorDegrades(t *testing.T) {
	model := &stubModel{err: errors.New("timeout")}
	e := NewExtractor(model, model, Config{})

	out := e.Extract(context.Background(), Input{ImageURL: "http://x/y.png"})
	if !out.IsDegraded() || !out.Value.IsEmpty() {
		t.Fatalf("expected degraded empty outcome, got %+v", out)
	}
}

func TestExtractFromImage(t *testing.T) {
	vision := &stubModel{reply: `{"order_id":"A1","tracking_no":null,"confidence":0.5}`}
	text := &stubModel{}
	e := NewExtractor(vision, text, Config{VisionTemperature: 0.1})

	out := e.Extract(context.Background(), Input{ImageURL: "http://x/y.png", Text: "ignored"})
	if out.IsDegraded() {
		t.Fatalf("unexpected degrade: %v", out.Degraded)
	}
	if *out.Value.OrderID != "A1" || out.Value.TrackingNo != nil || !*out.Value.LowConfidence {
		t.Fatalf("unexpected fields %+v", out.Value)
	}
	if vision.last.ImageURL != "http://x/y.png" || vision.last.Temperature != 0.1 {
		t.Fatalf("vision request = %+v", vision.last)
	}
	if text.calls != 0 {
		t.Fatal("text model must not be called when an image is given")
	}
}

func TestExtractFromText(t *testing.T) {
	text := &stubModel{reply: `Sure! {"tracking_no":"T9","sentiment":"angry"}`}
	e := NewExtractor(&stubModel{}, text, Config{})

	out := e.Extract(context.Background(), Input{Text: "where is T9?"})
	if out.IsDegraded() || out.Value.TrackingNo == nil || *out.Value.TrackingNo != "T9" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestExtractNoInput(t *testing.T) {
	model := &stubModel{}
	e := NewExtractor(model, model, Config{})

	out := e.Extract(context.Background(), Input{})
	if !errors.Is(out.Degraded, ErrNoInput) {
		t.Fatalf("expected ErrNoInput, got %v", out.Degraded)
	}
	if model.calls != 0 {
		t.Fatal("no model call expected")
	}
}

func TestExtractTextRawEnvelope(t *testing.T) {
	e := NewExtractor(nil, &stubModel{reply: "The customer is asking about a refund."}, Config{})

	got, err := e.ExtractText(context.Background(), "refund please")
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if got["raw_text"] != "The customer is asking about a refund." {
		t.Fatalf("got %v", got)
	}

	empty, err := e.ExtractText(context.Background(), "   ")
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty input: %v %v", empty, err)
	}
}

func boolPtr(b bool) *bool { return &b }
