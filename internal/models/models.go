package models

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// SnippetLength caps RetrievalMatch.Snippet, counted in characters.
const SnippetLength = 500

// Field limits every knowledge store backend accepts, in bytes.
const (
	MaxDocIDBytes = 256
	MaxTitleBytes = 512
	MaxURLBytes   = 2048
)

var ErrInvalidDocument = errors.New("invalid knowledge document")

// LowConfidenceThreshold is the confidence below which extraction is flagged.
const LowConfidenceThreshold = 0.7

const (
	RoleUser = "user"
	RoleBot  = "bot"

	ContentText  = "text"
	ContentImage = "image"
	ContentVideo = "video"
)

// ExtractedFields is the structured view of a screenshot. A nil pointer means
// the field was not found.
type ExtractedFields struct {
	OrderID       *string  `json:"order_id"`
	TrackingNo    *string  `json:"tracking_no"`
	ProductName   *string  `json:"product_name"`
	Price         *string  `json:"price"`
	IssueType     *string  `json:"issue_type"`
	Confidence    *float64 `json:"confidence"`
	LowConfidence *bool    `json:"low_confidence"`
}

// IsEmpty reports whether no field was extracted.
func (f ExtractedFields) IsEmpty() bool {
	return f.OrderID == nil && f.TrackingNo == nil && f.ProductName == nil &&
		f.Price == nil && f.IssueType == nil && f.Confidence == nil && f.LowConfidence == nil
}

// Lookup returns the string value stored under a wire key such as "order_id".
func (f ExtractedFields) Lookup(key string) (string, bool) {
	var v *string
	switch key {
	case "order_id":
		v = f.OrderID
	case "tracking_no":
		v = f.TrackingNo
	case "product_name":
		v = f.ProductName
	case "price":
		v = f.Price
	case "issue_type":
		v = f.IssueType
	}
	if v == nil {
		return "", false
	}
	return *v, true
}

// KnowledgeDoc is a knowledge-base entry. Embedding is computed from Text when
// the document is indexed.
type KnowledgeDoc struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	URL       string    `json:"url,omitempty"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
}

// Validate reports whether every knowledge store backend can hold doc as is.
func (d KnowledgeDoc) Validate() error {
	switch {
	case d.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidDocument)
	case len(d.ID) > MaxDocIDBytes:
		return fmt.Errorf("%w: id longer than %d bytes", ErrInvalidDocument, MaxDocIDBytes)
	case len(d.Title) > MaxTitleBytes:
		return fmt.Errorf("%w: document %s: title longer than %d bytes", ErrInvalidDocument, d.ID, MaxTitleBytes)
	case len(d.URL) > MaxURLBytes:
		return fmt.Errorf("%w: document %s: url longer than %d bytes", ErrInvalidDocument, d.ID, MaxURLBytes)
	}
	return nil
}

// TruncateBytes cuts s to at most n bytes without splitting a UTF-8 sequence.
func TruncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

type RetrievalMatch struct {
	DocID   string  `json:"doc_id"`
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// NewRetrievalMatch builds a match from stored document fields, applying the
// default title and snippet truncation every backend shares.
func NewRetrievalMatch(id, title, url, text string, score float64) RetrievalMatch {
	if title == "" {
		title = "doc-" + id
	}
	return RetrievalMatch{
		DocID:   id,
		Title:   title,
		URL:     url,
		Snippet: Snippet(text),
		Score:   score,
	}
}

// Snippet returns the first SnippetLength characters of text.
func Snippet(text string) string {
	if utf8.RuneCountInString(text) <= SnippetLength {
		return text
	}
	n := 0
	for i := range text {
		if n == SnippetLength {
			return text[:i]
		}
		n++
	}
	return text
}

type Ticket struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	ImageURL  string          `json:"image_url"`
	Extracted ExtractedFields `json:"extracted"`
	Answer    string          `json:"answer"`
	KBDocIDs  []string        `json:"kb_doc_ids"`
	CreatedAt time.Time       `json:"created_at"`
}

type ChatMessage struct {
	ID          string                 `json:"id"`
	UserID      string                 `json:"user_id"`
	Role        string                 `json:"role"`
	ContentType string                 `json:"content_type"`
	Content     string                 `json:"content"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// KBItem is the relational mirror of an indexed KnowledgeDoc.
type KBItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	URL       string    `json:"url,omitempty"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}
