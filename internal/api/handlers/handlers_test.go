package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/support-agent/backend/internal/ingestion"
	"github.com/support-agent/backend/internal/kg/neo4j"
	"github.com/support-agent/backend/internal/middleware/validation"
	"github.com/support-agent/backend/internal/models"
	"github.com/support-agent/backend/internal/objectstore"
	"github.com/support-agent/backend/internal/query"
	"github.com/support-agent/backend/internal/storage/sqlite"
)

var (
	_ TicketProcessor = (*stubEngine)(nil)
	_ TicketReader    = (*stubReader)(nil)
	_ MessageRecorder = (*stubRecorder)(nil)
	_ Ingester        = (*stubIngester)(nil)
	_ CitationSource  = stubCitations{}
	_ Presigner       = (*stubPresigner)(nil)
	_ TextExtractor   = stubTextExtractor{}
)

type stubEngine struct {
	got  query.Request
	resp *query.Response
	err  error
}

func (s *stubEngine) Process(_ context.Context, req query.Request) (*query.Response, error) {
	s.got = req
	return s.resp, s.err
}

type stubReader struct {
	tickets  map[string]*models.Ticket
	messages []models.ChatMessage
	limit    int
}

func (s *stubReader) GetTicket(_ context.Context, id string) (*models.Ticket, error) {
	t, ok := s.tickets[id]
	if !ok {
		return nil, sqlite.ErrNotFound
	}
	return t, nil
}

func (s *stubReader) ListTickets(_ context.Context, userID string, limit int) ([]models.Ticket, error) {
	s.limit = limit
	var out []models.Ticket
	for _, t := range s.tickets {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *stubReader) ListChatMessages(_ context.Context, _ string, limit int) ([]models.ChatMessage, error) {
	s.limit = limit
	return s.messages, nil
}

type stubRecorder struct {
	turns []string
}

func (s *stubRecorder) RecordUserMessage(_ context.Context, _ string, contentType, content string) error {
	s.turns = append(s.turns, contentType+":"+content)
	return nil
}

func strPtr(s string) *string { return &s }

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return do(t, app, req)
}

func do(t *testing.T, app *fiber.App, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
	}
	return resp.StatusCode, out
}

func ticketApp(h *TicketHandler) *fiber.App {
	app := fiber.New()
	app.Post("/tickets", validation.Ticket(validation.Config{}), h.SubmitTicket)
	app.Get("/tickets/:id", h.GetTicket)
	app.Get("/users/:user_id/tickets", h.ListTickets)
	app.Get("/users/:user_id/messages", h.ListMessages)
	return app
}

func TestSubmitTicket(t *testing.T) {
	engine := &stubEngine{resp: &query.Response{
		Extracted: models.ExtractedFields{OrderID: strPtr("T123")},
		KB:        []models.RetrievalMatch{{DocID: "d1", Title: "Refunds"}},
		Answer:    "We are on it.",
		TicketID:  "t1",
	}}
	recorder := &stubRecorder{}
	app := ticketApp(NewTicketHandler(engine, &stubReader{}, recorder))

	status, body := doJSON(t, app, "POST", "/tickets",
		`{"user_id":"u1","image_url":"https://cdn/x.png","initial_message":"where is it"}`)
	if status != fiber.StatusOK {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	if engine.got.TopK != 4 || engine.got.UserID != "u1" {
		t.Errorf("engine request = %+v", engine.got)
	}
	if body["answer"] != "We are on it." || body["ticket_id"] != "t1" {
		t.Errorf("body = %v", body)
	}
	extracted := body["extracted"].(map[string]any)
	if extracted["order_id"] != "T123" || extracted["tracking_no"] != nil {
		t.Errorf("extracted = %v", extracted)
	}
	want := []string{"image:https://cdn/x.png", "text:where is it"}
	if !reflect.DeepEqual(recorder.turns, want) {
		t.Errorf("recorded turns = %v", recorder.turns)
	}
}

func TestSubmitTicketPersistenceFailure(t *testing.T) {
	engine := &stubEngine{
		resp: &query.Response{KB: []models.RetrievalMatch{}, Answer: "Hi! fallback"},
		err:  fmt.Errorf("%w: disk full", query.ErrPersistence),
	}
	app := ticketApp(NewTicketHandler(engine, &stubReader{}, nil))

	status, body := doJSON(t, app, "POST", "/tickets", `{"user_id":"u1","image_url":"https://cdn/x.png"}`)
	if status != fiber.StatusInternalServerError {
		t.Fatalf("status = %d", status)
	}
	if body["answer"] != "Hi! fallback" || body["error"] == nil {
		t.Errorf("body = %v", body)
	}
	if kb, ok := body["kb"].([]any); !ok || len(kb) != 0 {
		t.Errorf("kb = %v", body["kb"])
	}
}

func TestSubmitTicketValidation(t *testing.T) {
	app := ticketApp(NewTicketHandler(&stubEngine{}, &stubReader{}, nil))

	if status, _ := doJSON(t, app, "POST", "/tickets", `{"user_id":"u1"}`); status != fiber.StatusUnprocessableEntity {
		t.Errorf("missing image_url: status = %d", status)
	}
	if status, _ := doJSON(t, app, "POST", "/tickets", `{`); status != fiber.StatusBadRequest {
		t.Errorf("malformed: status = %d", status)
	}
}

func TestTicketReadBack(t *testing.T) {
	reader := &stubReader{
		tickets: map[string]*models.Ticket{
			"t1": {ID: "t1", UserID: "u1", Answer: "a", KBDocIDs: []string{"d1"}},
		},
		messages: []models.ChatMessage{{ID: "m1", UserID: "u1", Role: models.RoleBot}},
	}
	app := ticketApp(NewTicketHandler(&stubEngine{}, reader, nil))

	status, body := doJSON(t, app, "GET", "/tickets/t1", "")
	if status != fiber.StatusOK || body["id"] != "t1" {
		t.Fatalf("status = %d, body = %v", status, body)
	}

	if status, _ := doJSON(t, app, "GET", "/tickets/missing", ""); status != fiber.StatusNotFound {
		t.Errorf("missing ticket: status = %d", status)
	}

	status, body = doJSON(t, app, "GET", "/users/u1/tickets?limit=1000", "")
	if status != fiber.StatusOK || len(body["tickets"].([]any)) != 1 {
		t.Fatalf("list tickets: %d %v", status, body)
	}
	if reader.limit != maxListLimit {
		t.Errorf("limit = %d, want %d", reader.limit, maxListLimit)
	}

	status, body = doJSON(t, app, "GET", "/users/u1/messages", "")
	if status != fiber.StatusOK || len(body["messages"].([]any)) != 1 {
		t.Fatalf("list messages: %d %v", status, body)
	}
	if reader.limit != defaultListLimit {
		t.Errorf("limit = %d, want %d", reader.limit, defaultListLimit)
	}
}

type stubIngester struct {
	format string
	rows   []ingestion.Row
	err    error
}

func (s *stubIngester) Ingest(_ context.Context, format string, rows []ingestion.Row) (int, error) {
	s.format = format
	s.rows = rows
	if s.err != nil {
		return 0, s.err
	}
	docs := ingestion.Normalize(rows)
	if len(docs) == 0 {
		return 0, ingestion.ErrNoValidText
	}
	return len(docs), nil
}

type stubCitations struct{}

func (stubCitations) TopCited(context.Context, int) ([]neo4j.Citation, error) {
	return []neo4j.Citation{{DocID: "d1", Tickets: 3}}, nil
}

func multipartRequest(t *testing.T, files map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := w.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = part.Write([]byte(content))
	}
	_ = w.Close()

	req := httptest.NewRequest("POST", "/kb/upload-files", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func kbApp(h *KBHandler) *fiber.App {
	app := fiber.New()
	app.Post("/kb/upload-files", h.UploadFiles)
	app.Post("/kb/documents", h.UploadDocuments)
	app.Get("/kb/citations", h.TopCitations)
	return app
}

func TestUploadFiles(t *testing.T) {
	ingester := &stubIngester{}
	app := kbApp(NewKBHandler(ingester, nil))

	req := multipartRequest(t, map[string]string{
		"kb.csv":    "id,title,url,text\nd1,Refunds,https://kb/1,Refunds take 5 days\nd2,Empty,,\n",
		"notes.pdf": "%PDF",
	})
	status, body := do(t, app, req)
	if status != fiber.StatusOK {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	if body["ok"] != true || body["count"] != float64(1) {
		t.Errorf("body = %v", body)
	}
	if skipped := body["skipped"].([]any); len(skipped) != 1 || skipped[0] != "notes.pdf" {
		t.Errorf("skipped = %v", skipped)
	}
	if ingester.format != ingestion.FormatCSV {
		t.Errorf("format = %q", ingester.format)
	}
}

func TestUploadFilesNoValidText(t *testing.T) {
	app := kbApp(NewKBHandler(&stubIngester{}, nil))

	status, body := do(t, app, multipartRequest(t, map[string]string{"kb.csv": "id,text\nd1,\n"}))
	if status != fiber.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["ok"] != false || body["count"] != float64(0) || body["message"] != "No valid text found" {
		t.Errorf("body = %v", body)
	}
}

func TestUploadDocuments(t *testing.T) {
	ingester := &stubIngester{}
	app := kbApp(NewKBHandler(ingester, nil))

	status, body := doJSON(t, app, "POST", "/kb/documents",
		`[{"id":"d1","title":"Shipping","text":"Ships in 2 days"},{"id":"d2","text":"Returns accepted"}]`)
	if status != fiber.StatusOK || body["count"] != float64(2) {
		t.Fatalf("status = %d, body = %v", status, body)
	}

	ingester.err = errors.New("vector store down")
	status, body = doJSON(t, app, "POST", "/kb/documents", `[{"id":"d1","text":"x"}]`)
	if status != fiber.StatusInternalServerError || body["ok"] != false {
		t.Errorf("status = %d, body = %v", status, body)
	}
}

func TestTopCitations(t *testing.T) {
	status, _ := doJSON(t, kbApp(NewKBHandler(&stubIngester{}, nil)), "GET", "/kb/citations", "")
	if status != fiber.StatusNotFound {
		t.Errorf("disabled graph: status = %d", status)
	}

	status, body := doJSON(t, kbApp(NewKBHandler(&stubIngester{}, stubCitations{})), "GET", "/kb/citations", "")
	if status != fiber.StatusOK || len(body["citations"].([]any)) != 1 {
		t.Errorf("status = %d, body = %v", status, body)
	}
}

type stubPresigner struct {
	contentType, prefix string
}

func (s *stubPresigner) PresignPut(_ context.Context, contentType, prefix string) (*objectstore.Upload, error) {
	s.contentType, s.prefix = contentType, prefix
	return &objectstore.Upload{UploadURL: "https://s3/put", ObjectKey: "uploads/abc", ExpiresIn: 300}, nil
}

func TestPresignUpload(t *testing.T) {
	presigner := &stubPresigner{}
	app := fiber.New()
	app.Post("/presign-upload", NewUploadHandler(presigner).PresignUpload)

	status, body := doJSON(t, app, "POST", "/presign-upload", `{}`)
	if status != fiber.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["upload_url"] != "https://s3/put" || body["expires_in"] != float64(300) {
		t.Errorf("body = %v", body)
	}
	if presigner.contentType != "image/png" {
		t.Errorf("content type = %q", presigner.contentType)
	}

	if status, _ := doJSON(t, app, "POST", "/presign-upload", `{"content_type":"png"}`); status != fiber.StatusUnprocessableEntity {
		t.Errorf("bad content type: status = %d", status)
	}
	if status, _ := doJSON(t, app, "POST", "/presign-upload", `{"prefix":"../etc/"}`); status != fiber.StatusUnprocessableEntity {
		t.Errorf("bad prefix: status = %d", status)
	}
}

type stubTextExtractor struct {
	err error
}

func (s stubTextExtractor) ExtractText(_ context.Context, text string) (map[string]any, error) {
	if s.err != nil {
		return nil, s.err
	}
	return map[string]any{"raw_text": text}, nil
}

func TestExtractText(t *testing.T) {
	app := fiber.New()
	app.Post("/extract/text", NewExtractHandler(stubTextExtractor{}).ExtractText)

	status, body := doJSON(t, app, "POST", "/extract/text", `{"text":"order 42"}`)
	if status != fiber.StatusOK || body["raw_text"] != "order 42" {
		t.Fatalf("status = %d, body = %v", status, body)
	}

	app = fiber.New()
	app.Post("/extract/text", NewExtractHandler(stubTextExtractor{err: errors.New("timeout")}).ExtractText)
	if status, _ := doJSON(t, app, "POST", "/extract/text", `{"text":"x"}`); status != fiber.StatusBadGateway {
		t.Errorf("status = %d", status)
	}
}

func TestReady(t *testing.T) {
	h := NewHealthHandler(map[string]Check{
		"sqlite": func(context.Context) error { return nil },
		"redis":  func(context.Context) error { return errors.New("refused") },
	})
	app := fiber.New()
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)

	if status, body := doJSON(t, app, "GET", "/health", ""); status != fiber.StatusOK || body["status"] != "healthy" {
		t.Errorf("health: %d %v", status, body)
	}

	status, body := doJSON(t, app, "GET", "/ready", "")
	if status != fiber.StatusServiceUnavailable {
		t.Fatalf("status = %d", status)
	}
	checks := body["checks"].(map[string]any)
	if checks["sqlite"] != "ok" || checks["redis"] != "unavailable" {
		t.Errorf("checks = %v", checks)
	}
}

func TestSplitIntoWords(t *testing.T) {
	got := splitIntoWords("Hi there\nBye")
	want := []string{"Hi ", "there\n", "Bye"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSplitIntoWordsPreservesText(t *testing.T) {
	tests := []string{
		"",
		"one",
		"  leading and trailing  ",
		"tabs\tand  double  spaces",
		"line one\n\nline two \r\n end",
		"naïve café\u00a0done",
	}
	for _, text := range tests {
		chunks := splitIntoWords(text)
		if joined := strings.Join(chunks, ""); joined != text {
			t.Errorf("splitIntoWords(%q) joined = %q", text, joined)
		}
		for _, c := range chunks {
			if c == "" {
				t.Errorf("splitIntoWords(%q) produced an empty chunk", text)
			}
		}
	}
}

func TestRecordUserTurn(t *testing.T) {
	recorder := &stubRecorder{}
	recordUserTurn(context.Background(), recorder, validation.TicketRequest{
		UserID:   "u1",
		ImageURL: "https://cdn/x.png",
	})
	recordUserTurn(context.Background(), recorder, validation.TicketRequest{
		UserID:         "u1",
		ImageURL:       "https://cdn/y.png",
		InitialMessage: "still waiting",
	})
	want := []string{"image:https://cdn/x.png", "image:https://cdn/y.png", "text:still waiting"}
	if !reflect.DeepEqual(recorder.turns, want) {
		t.Errorf("recorded turns = %v", recorder.turns)
	}

	recordUserTurn(context.Background(), nil, validation.TicketRequest{UserID: "u1"})
}
