package validation

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestDecodeTicket(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantErr    bool
		wantFields []string
		wantTopK   int
	}{
		{name: "valid with default top_k", body: `{"user_id":"u1","image_url":"http://x/y.png"}`, wantTopK: 4},
		{name: "explicit top_k", body: `{"user_id":"u1","image_url":"https://x/y.png","top_k":2}`, wantTopK: 2},
		{name: "missing fields", body: `{}`, wantFields: []string{"user_id", "image_url"}},
		{name: "bad url", body: `{"user_id":"u1","image_url":"ftp://x/y.png"}`, wantFields: []string{"image_url"}},
		{name: "top_k zero", body: `{"user_id":"u1","image_url":"http://x","top_k":0}`, wantFields: []string{"top_k"}},
		{name: "top_k too large", body: `{"user_id":"u1","image_url":"http://x","top_k":21}`, wantFields: []string{"top_k"}},
		{name: "wrong type", body: `{"user_id":"u1","image_url":"http://x","top_k":"two"}`, wantFields: []string{"top_k"}},
		{name: "malformed", body: `{"user_id":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, errs, err := DecodeTicket([]byte(tt.body), Config{})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected decode error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(errs) != len(tt.wantFields) {
				t.Fatalf("errors = %+v, want fields %v", errs, tt.wantFields)
			}
			for i, f := range tt.wantFields {
				if errs[i].Field != f {
					t.Errorf("error %d field = %q, want %q", i, errs[i].Field, f)
				}
			}
			if len(errs) == 0 && req.TopK != tt.wantTopK {
				t.Errorf("top_k = %d, want %d", req.TopK, tt.wantTopK)
			}
		})
	}
}

func TestDecodeTicketSanitizesMessage(t *testing.T) {
	req, errs, err := DecodeTicket([]byte(`{"user_id":" u1 ","image_url":"http://x","initial_message":"  late\u0000 "}`), Config{})
	if err != nil || len(errs) != 0 {
		t.Fatalf("unexpected failure: %v %v", err, errs)
	}
	if req.UserID != "u1" || req.InitialMessage != "late" {
		t.Fatalf("unexpected request %+v", req)
	}

	long := strings.Repeat("a", 11)
	_, errs, _ = DecodeTicket([]byte(`{"user_id":"u1","image_url":"http://x","initial_message":"`+long+`"}`), Config{MaxMessageLength: 10})
	if len(errs) != 1 || errs[0].Field != "initial_message" {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestTicketMiddlewareStatusCodes(t *testing.T) {
	app := fiber.New()
	app.Post("/tickets", Ticket(Config{}), func(c *fiber.Ctx) error {
		req := c.Locals(TicketRequestKey).(TicketRequest)
		return c.JSON(req)
	})

	tests := []struct {
		body string
		want int
	}{
		{`{"user_id":"u1","image_url":"http://x/y.png"}`, fiber.StatusOK},
		{`{"user_id":"u1"}`, fiber.StatusUnprocessableEntity},
		{`not json`, fiber.StatusBadRequest},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("POST", "/tickets", strings.NewReader(tt.body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		if resp.StatusCode != tt.want {
			t.Fatalf("body %s: status %d, want %d", tt.body, resp.StatusCode, tt.want)
		}
		if tt.want == fiber.StatusUnprocessableEntity {
			data, _ := io.ReadAll(resp.Body)
			var payload struct {
				Details []FieldError `json:"details"`
			}
			if err := json.Unmarshal(data, &payload); err != nil || len(payload.Details) != 1 {
				t.Fatalf("details = %s", data)
			}
		}
	}
}

func TestContentType(t *testing.T) {
	app := fiber.New()
	app.Use(ContentType("application/json", "multipart/form-data"))
	app.Post("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	req := httptest.NewRequest("POST", "/", strings.NewReader("x"))
	req.Header.Set("Content-Type", "text/plain")
	resp, _ := app.Test(req)
	if resp.StatusCode != fiber.StatusUnsupportedMediaType {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	req = httptest.NewRequest("POST", "/", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, _ = app.Test(req)
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestIsValidContentType(t *testing.T) {
	for s, want := range map[string]bool{"image/png": true, "video/mp4": true, "png": false, "": false, "image/": false} {
		if got := IsValidContentType(s); got != want {
			t.Errorf("%q: got %v", s, got)
		}
	}
}
