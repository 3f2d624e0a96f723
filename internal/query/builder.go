package query

import (
	"strings"

	"github.com/support-agent/backend/internal/models"
)

// DefaultQuery is searched when there is neither a message nor any field.
const DefaultQuery = "customer support"

// queryKeys are appended to the retrieval query in this order.
var queryKeys = []string{"order_id", "tracking_no", "product_name", "issue_type"}

// BuildQuery composes the retrieval text from the customer's message followed
// by one "key: value" line per extracted field that is present.
func BuildQuery(initialMessage string, extracted models.ExtractedFields) string {
	parts := make([]string, 0, len(queryKeys)+1)
	if initialMessage != "" {
		parts = append(parts, initialMessage)
	}
	for _, key := range queryKeys {
		if v, ok := extracted.Lookup(key); ok && v != "" {
			parts = append(parts, key+": "+v)
		}
	}

	if len(parts) == 0 {
		return DefaultQuery
	}
	return strings.Join(parts, "\n")
}
