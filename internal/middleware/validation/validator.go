package validation

import (
	"encoding/json"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// TicketRequestKey is the fiber.Ctx Locals key holding a validated
// TicketRequest.
const TicketRequestKey = "ticket_request"

var mimeType = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9!#$&^_.+-]*/[a-zA-Z0-9][a-zA-Z0-9!#$&^_.+-]*$`)

type Config struct {
	MaxMessageLength int
	MaxUserIDLength  int
	DefaultTopK      int
	MaxTopK          int
	Logger           *zap.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxMessageLength == 0 {
		cfg.MaxMessageLength = 5000
	}
	if cfg.MaxUserIDLength == 0 {
		cfg.MaxUserIDLength = 128
	}
	if cfg.DefaultTopK == 0 {
		cfg.DefaultTopK = 4
	}
	if cfg.MaxTopK == 0 {
		cfg.MaxTopK = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// TicketRequest is a validated ticket submission with defaults applied.
type TicketRequest struct {
	UserID         string `json:"user_id"`
	ImageURL       string `json:"image_url"`
	InitialMessage string `json:"initial_message"`
	TopK           int    `json:"top_k"`
}

type ticketBody struct {
	UserID         *string `json:"user_id"`
	ImageURL       *string `json:"image_url"`
	InitialMessage *string `json:"initial_message"`
	TopK           *int    `json:"top_k"`
}

// ContentType rejects POST and PUT bodies whose type is not allowed.
func ContentType(allowed ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}
		contentType := c.Get(fiber.HeaderContentType)
		if contentType == "" {
			return c.Next()
		}
		for _, a := range allowed {
			if strings.HasPrefix(strings.ToLower(contentType), a) {
				return c.Next()
			}
		}
		return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
			"error": "Unsupported content type",
		})
	}
}

// Ticket validates a ticket submission body and stores the result under
// TicketRequestKey. Malformed JSON is a 400; schema violations are a 422.
func Ticket(cfg Config) fiber.Handler {
	cfg.applyDefaults()

	return func(c *fiber.Ctx) error {
		req, errs, err := DecodeTicket(c.Body(), cfg)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}
		if len(errs) > 0 {
			cfg.Logger.Debug("Ticket request rejected",
				zap.String("ip", c.IP()),
				zap.Any("errors", errs),
			)
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error":   "Validation failed",
				"details": errs,
			})
		}

		c.Locals(TicketRequestKey, req)
		return c.Next()
	}
}

// DecodeTicket parses and validates a ticket body. err is set only when the
// body is not JSON at all.
func DecodeTicket(body []byte, cfg Config) (TicketRequest, []FieldError, error) {
	cfg.applyDefaults()

	var raw ticketBody
	if err := json.Unmarshal(body, &raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return TicketRequest{}, []FieldError{{Field: typeErr.Field, Message: "has the wrong type"}}, nil
		}
		return TicketRequest{}, nil, err
	}

	req, errs := validateTicket(raw, cfg)
	return req, errs, nil
}

func validateTicket(raw ticketBody, cfg Config) (TicketRequest, []FieldError) {
	cfg.applyDefaults()

	var errs []FieldError
	req := TicketRequest{TopK: cfg.DefaultTopK}

	if raw.UserID == nil || strings.TrimSpace(*raw.UserID) == "" {
		errs = append(errs, FieldError{Field: "user_id", Message: "is required"})
	} else if utf8.RuneCountInString(*raw.UserID) > cfg.MaxUserIDLength {
		errs = append(errs, FieldError{Field: "user_id", Message: "is too long"})
	} else {
		req.UserID = strings.TrimSpace(*raw.UserID)
	}

	if raw.ImageURL == nil || strings.TrimSpace(*raw.ImageURL) == "" {
		errs = append(errs, FieldError{Field: "image_url", Message: "is required"})
	} else if !IsValidURL(strings.TrimSpace(*raw.ImageURL)) {
		errs = append(errs, FieldError{Field: "image_url", Message: "must be an http or https URL"})
	} else {
		req.ImageURL = strings.TrimSpace(*raw.ImageURL)
	}

	if raw.InitialMessage != nil {
		msg := sanitizeString(*raw.InitialMessage)
		if utf8.RuneCountInString(msg) > cfg.MaxMessageLength {
			errs = append(errs, FieldError{Field: "initial_message", Message: "exceeds maximum length"})
		}
		req.InitialMessage = msg
	}

	if raw.TopK != nil {
		if *raw.TopK < 1 || *raw.TopK > cfg.MaxTopK {
			errs = append(errs, FieldError{Field: "top_k", Message: "is out of range"})
		} else {
			req.TopK = *raw.TopK
		}
	}

	return req, errs
}

// IsValidContentType reports whether s looks like a MIME type.
func IsValidContentType(s string) bool {
	return mimeType.MatchString(s)
}

func sanitizeString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.ReplaceAll(input, "\x00", "")
	return input
}

func IsValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	if u.Host == "" {
		return false
	}

	return true
}
