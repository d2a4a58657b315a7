package books

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"ledgerbook.org/internal/accounting"
)

// Module identifies one of the ledgers transactions are posted from.
type Module string

const (
	ModuleCashBook Module = "CB"
	ModulePurchase Module = "PL"
	ModuleSales    Module = "SL"
	ModuleNominal  Module = "NL"
)

// Type is a module-specific transaction type code, e.g. "cp" for a
// cashbook payment or "pi" for a purchase invoice.
type Type string

// Field distinguishes the ledger rows generated from one analysis line.
type Field string

const (
	FieldGoods Field = "g"
	FieldVat   Field = "v"
	FieldTotal Field = "t"
)

// Status of a transaction header.
type Status string

const (
	StatusCleared Status = "c"
	StatusVoid    Status = "v"
)

// VatType classifies the VAT side of a transaction.
type VatType string

const (
	VatTypeNone   VatType = ""
	VatTypeInput  VatType = "i"
	VatTypeOutput VatType = "o"
)

var (
	ErrUnknownTransactionType = errors.New("unknown transaction type")
	ErrNotFound               = errors.New("not found")
)

// Nominal is a general ledger account.
type Nominal struct {
	ID       int    `json:"id"`
	ParentID int    `json:"parent_id,omitempty"`
	Name     string `json:"name"`
}

// VatCode is a VAT rate definition referenced by analysis lines.
type VatCode struct {
	ID         int             `json:"id"`
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	Rate       decimal.Decimal `json:"rate"`
	Registered bool            `json:"registered"`
}

// CashBook is a bank or cash account with its mirroring nominal.
type CashBook struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	NominalID int    `json:"nominal_id,omitempty"`
}

// Header is the top-level record of one transaction. Goods, Vat and Total
// are stored sign-normalized per the module convention; they are only
// renormalized by a full edit-and-repost cycle. A header is never deleted
// by the posting engine, only voided.
type Header struct {
	ID         int               `json:"id"`
	Module     Module            `json:"module"`
	Type       Type              `json:"type"`
	Ref        string            `json:"ref"`
	Date       time.Time         `json:"date"`
	DueDate    *time.Time        `json:"due_date,omitempty"`
	Goods      decimal.Decimal   `json:"goods"`
	Vat        decimal.Decimal   `json:"vat"`
	Total      decimal.Decimal   `json:"total"`
	Paid       decimal.Decimal   `json:"paid"`
	Due        decimal.Decimal   `json:"due"`
	Status     Status            `json:"status"`
	Period     accounting.Period `json:"period"`
	VatType    VatType           `json:"vat_type,omitempty"`
	CashBookID int               `json:"cash_book_id,omitempty"`
	SupplierID int               `json:"supplier_id,omitempty"`
	CustomerID int               `json:"customer_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// IsVoid reports whether the header has been voided.
func (h Header) IsVoid() bool { return h.Status == StatusVoid }

// Line is one itemized row within a header. The four transaction
// references are all nil while unposted or voided and are written as a
// unit during posting; for types that require no analysis they stay nil
// forever.
type Line struct {
	ID          int             `json:"id"`
	HeaderID    int             `json:"header_id"`
	LineNo      int             `json:"line_no"`
	Description string          `json:"description"`
	Goods       decimal.Decimal `json:"goods"`
	Vat         decimal.Decimal `json:"vat"`
	NominalID   int             `json:"nominal_id,omitempty"`
	VatCodeID   int             `json:"vat_code_id,omitempty"`
	Type        Type            `json:"type"`

	GoodsNominalTransactionID *int `json:"goods_nominal_transaction_id,omitempty"`
	VatNominalTransactionID   *int `json:"vat_nominal_transaction_id,omitempty"`
	TotalNominalTransactionID *int `json:"total_nominal_transaction_id,omitempty"`
	VatTransactionID          *int `json:"vat_transaction_id,omitempty"`
}

// IsNonZero reports whether the line carries any value worth posting.
func (l Line) IsNonZero() bool { return !l.Goods.IsZero() || !l.Vat.IsZero() }

// ClearTransactionRefs nulls the generated-row references, returning the
// line to its unposted shape.
func (l *Line) ClearTransactionRefs() {
	l.GoodsNominalTransactionID = nil
	l.VatNominalTransactionID = nil
	l.TotalNominalTransactionID = nil
	l.VatTransactionID = nil
}

// NominalTransaction is one general ledger row generated by posting.
// Header and Line are stored as plain identifiers rather than relations so
// rows from every module and subledger share one table.
type NominalTransaction struct {
	ID        int               `json:"id"`
	Module    Module            `json:"module"`
	HeaderID  int               `json:"header"`
	LineID    int               `json:"line"`
	NominalID int               `json:"nominal_id"`
	Value     decimal.Decimal   `json:"value"`
	Ref       string            `json:"ref"`
	Period    accounting.Period `json:"period"`
	Date      time.Time         `json:"date"`
	Field     Field             `json:"field"`
	Type      Type              `json:"type"`
	BatchID   string            `json:"batch_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// VatTransaction is one VAT ledger row per posted line. It mirrors the
// line's sign-normalized goods and vat at the moment of posting; stale
// rows are destroyed and replaced on edit, never mutated in place.
type VatTransaction struct {
	ID        int               `json:"id"`
	Module    Module            `json:"module"`
	HeaderID  int               `json:"header"`
	LineID    int               `json:"line"`
	Ref       string            `json:"ref"`
	Period    accounting.Period `json:"period"`
	Date      time.Time         `json:"date"`
	Field     Field             `json:"field"`
	TranType  Type              `json:"tran_type"`
	VatType   VatType           `json:"vat_type"`
	VatCodeID int               `json:"vat_code_id"`
	VatRate   decimal.Decimal   `json:"vat_rate"`
	Goods     decimal.Decimal   `json:"goods"`
	Vat       decimal.Decimal   `json:"vat"`
	BatchID   string            `json:"batch_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// CashBookTransaction is the single net cash effect row per header. The
// line is always 1; the cash effect is one aggregate line per header, and
// (module, header, line, field) is unique.
type CashBookTransaction struct {
	ID         int               `json:"id"`
	Module     Module            `json:"module"`
	HeaderID   int               `json:"header"`
	LineID     int               `json:"line"`
	CashBookID int               `json:"cash_book_id"`
	Value      decimal.Decimal   `json:"value"`
	Ref        string            `json:"ref"`
	Period     accounting.Period `json:"period"`
	Date       time.Time         `json:"date"`
	Field      Field             `json:"field"`
	Type       Type              `json:"type"`
	BatchID    string            `json:"batch_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
