package classifier

import (
	"errors"
	"fmt"
	"strings"

	"doc-intake-go/internal/model"
)

var errUnclassifiable = errors.New("unclassifiable document")

// validateShape checks the structure required for the document type. It does
// not judge whether values make business sense.
func validateShape(payload map[string]interface{}) (model.Classification, error) {
	switch normalizeType(payload["document_type"]) {
	case model.ClassificationInvoice:
		items, ok := payload["line_items"].([]interface{})
		if !ok || len(items) == 0 {
			return "", fmt.Errorf("invoice has no line_items array")
		}
		for i, item := range items {
			if _, ok := item.(map[string]interface{}); !ok {
				return "", fmt.Errorf("invoice line item %d is not an object", i)
			}
		}
		return model.ClassificationInvoice, nil

	case model.ClassificationJobCard:
		if nonEmptyString(payload["serial_number"]) || nonEmptyString(payload["asset_tag"]) {
			return model.ClassificationJobCard, nil
		}
		return "", fmt.Errorf("job card has neither serial_number nor asset_tag")

	default:
		return "", errUnclassifiable
	}
}

func normalizeType(v interface{}) model.Classification {
	s, _ := v.(string)
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	switch s {
	case "invoice", "tax_invoice":
		return model.ClassificationInvoice
	case "job_card", "jobcard", "service_report":
		return model.ClassificationJobCard
	}
	return model.ClassificationUnknown
}

func nonEmptyString(v interface{}) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) != ""
}
