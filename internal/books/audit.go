package books

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"ledgerbook.org/internal/accounting"
	"ledgerbook.org/internal/audit"
)

// Match links two headers in a settlement: matched_by is always the
// transaction being created or edited, value the amount knocked off the
// matched_to header's outstanding figure.
type Match struct {
	ID          int               `json:"id"`
	Module      Module            `json:"module"`
	MatchedByID int               `json:"matched_by_id"`
	MatchedToID int               `json:"matched_to_id"`
	Value       decimal.Decimal   `json:"value"`
	Period      accounting.Period `json:"period"`
	CreatedAt   time.Time         `json:"created_at"`
}

// The audited field names per entity are declared once, here, and
// consumed by both snapshot writing and diffing. Nothing walks struct
// fields at runtime.
var (
	HeaderAuditFields = []string{
		"id", "type", "ref", "date", "due_date", "goods", "vat", "total",
		"paid", "due", "status", "period", "vat_type", "cash_book_id",
		"supplier_id", "customer_id",
	}
	LineAuditFields = []string{
		"id", "line_no", "description", "goods", "vat", "nominal_id",
		"vat_code_id", "type",
	}
	MatchAuditFields = []string{
		"id", "matched_by_id", "matched_to_id", "value", "period",
	}
)

// HeaderSnapshotFields stringifies a header for the snapshot store. Every
// absent value becomes the empty string.
func HeaderSnapshotFields(h Header) map[string]string {
	return map[string]string{
		"id":           intField(h.ID),
		"type":         string(h.Type),
		"ref":          h.Ref,
		"date":         dateField(h.Date),
		"due_date":     datePtrField(h.DueDate),
		"goods":        h.Goods.String(),
		"vat":          h.Vat.String(),
		"total":        h.Total.String(),
		"paid":         h.Paid.String(),
		"due":          h.Due.String(),
		"status":       string(h.Status),
		"period":       periodField(h.Period),
		"vat_type":     string(h.VatType),
		"cash_book_id": intField(h.CashBookID),
		"supplier_id":  intField(h.SupplierID),
		"customer_id":  intField(h.CustomerID),
	}
}

// LineSnapshotFields stringifies a line for the snapshot store.
func LineSnapshotFields(l Line) map[string]string {
	return map[string]string{
		"id":          intField(l.ID),
		"line_no":     intField(l.LineNo),
		"description": l.Description,
		"goods":       l.Goods.String(),
		"vat":         l.Vat.String(),
		"nominal_id":  intField(l.NominalID),
		"vat_code_id": intField(l.VatCodeID),
		"type":        string(l.Type),
	}
}

// MatchSnapshotFields stringifies a match row for the snapshot store.
func MatchSnapshotFields(m Match) map[string]string {
	return map[string]string{
		"id":            intField(m.ID),
		"matched_by_id": intField(m.MatchedByID),
		"matched_to_id": intField(m.MatchedToID),
		"value":         m.Value.String(),
		"period":        periodField(m.Period),
	}
}

// SignFlip negates a stored decimal display string. Values that aren't
// decimals pass through unchanged.
func SignFlip(v string) string {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return v
	}
	return d.Neg().String()
}

// TrailConfigFor builds the aggregator configuration for one header's
// audit trail: the declared field lists plus, for negative types, the
// sign-flip display overrides so old and new values render the way the
// user entered them.
func TrailConfigFor(t Type) (audit.TrailConfig, error) {
	p, err := Lookup(t)
	if err != nil {
		return audit.TrailConfig{}, err
	}
	cfg := audit.TrailConfig{
		HeaderFields: HeaderAuditFields,
		LineFields:   LineAuditFields,
		MatchFields:  MatchAuditFields,
	}
	if p.IsNegative() {
		cfg.HeaderOverrides = audit.Overrides{
			"goods": SignFlip,
			"vat":   SignFlip,
			"total": SignFlip,
			"paid":  SignFlip,
			"due":   SignFlip,
		}
		cfg.LineOverrides = audit.Overrides{
			"goods": SignFlip,
			"vat":   SignFlip,
		}
	}
	return cfg, nil
}

func intField(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

func dateField(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

func datePtrField(t *time.Time) string {
	if t == nil {
		return ""
	}
	return dateField(*t)
}

func periodField(p accounting.Period) string {
	if p.IsZero() {
		return ""
	}
	return p.String()
}
