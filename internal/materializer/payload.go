package materializer

import (
	"fmt"
	"strconv"
	"strings"

	"doc-intake-go/internal/model"
)

func str(payload map[string]interface{}, key string) string {
	switch v := payload[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// number accepts JSON numbers and numeric strings such as "1,250.00" or "$12"
func number(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		s := strings.TrimSpace(n)
		s = strings.TrimLeft(s, "$€£ ")
		s = strings.ReplaceAll(s, ",", "")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func truthy(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "y", "1":
			return true
		}
	case float64:
		return b != 0
	}
	return false
}

func lineItems(payload map[string]interface{}) []model.LineItem {
	raw, _ := payload["line_items"].([]interface{})
	items := make([]model.LineItem, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		item := model.LineItem{
			ProductCode: str(m, "product_code"),
			Description: str(m, "description"),
			Quantity:    number(m["quantity"]),
			UnitPrice:   number(m["unit_price"]),
			TotalAmount: number(m["total_amount"]),
			Raw:         m,
		}
		items = append(items, item)
	}
	return items
}

// wantsInstallation reports whether an invoice should become an installation request
func wantsInstallation(payload map[string]interface{}) bool {
	if truthy(payload["installation_required"]) {
		return true
	}
	return strings.EqualFold(str(payload, "record_type"), string(model.RecordTypeInstallationRequest))
}
