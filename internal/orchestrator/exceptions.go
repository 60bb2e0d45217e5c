package orchestrator

import "strings"

// Exception classes a supplier reply can raise. Any hit is HIGH severity:
// the buyer has to decide, not the agent.
const (
	ExceptionPORevision   = "po_revision_requested"
	ExceptionMOQ          = "moq_issue"
	ExceptionPriceChange  = "price_change"
	ExceptionCancellation = "cancellation_request"
)

// exceptionKeywords maps each class to the phrases that trigger it.
var exceptionKeywords = map[string][]string{
	ExceptionPORevision: {
		"revised po", "po revision", "revise the po", "updated purchase order",
		"please amend", "amended order",
	},
	ExceptionMOQ: {
		"minimum order", "moq", "below our minimum", "minimum quantity",
	},
	ExceptionPriceChange: {
		"price increase", "price change", "new pricing", "updated price",
		"surcharge", "cost increase",
	},
	ExceptionCancellation: {
		"cancel the order", "cancellation", "unable to fulfill", "cannot fulfill",
		"order cancelled", "order canceled",
	},
}

// detectException scans the given texts for exception phrases and returns
// the first matched class, or "".
func detectException(texts ...string) string {
	for _, text := range texts {
		if text == "" {
			continue
		}
		lower := strings.ToLower(text)
		for _, class := range []string{ExceptionPORevision, ExceptionMOQ, ExceptionPriceChange, ExceptionCancellation} {
			for _, kw := range exceptionKeywords[class] {
				if strings.Contains(lower, kw) {
					return class
				}
			}
		}
	}
	return ""
}
