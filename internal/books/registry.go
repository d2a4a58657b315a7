package books

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Profile captures the posting convention for one transaction type. The
// tables below are static; nothing is derived by reflection at runtime.
type Profile struct {
	Type   Type
	Module Module
	Name   string

	// RequiresLines - the type carries analysis lines in the UI.
	RequiresLines bool
	// RequiresAnalysis - its lines must name a nominal and vat code.
	RequiresAnalysis bool
	// Credit - a positive user value credits the nominal. Exactly one of
	// Credit/Debit holds for every type.
	Credit bool
	// Positive - shows on account as entered; negative types store the
	// negated user value.
	Positive bool
	// Payment - updates the cashbook.
	Payment bool
}

// IsDebit is the complement of Credit; every type is one or the other.
func (p Profile) IsDebit() bool { return !p.Credit }

// IsNegative is the complement of Positive.
func (p Profile) IsNegative() bool { return !p.Positive }

// NominalFactor is the sign applied when carrying a header value into the
// nominal ledger: a nominal credit is a negative value, a nominal debit a
// positive one.
func (p Profile) NominalFactor() decimal.Decimal {
	f := int64(1)
	if !p.Positive {
		f = -f
	}
	if p.Credit {
		f = -f
	}
	return decimal.NewFromInt(f)
}

var profiles = map[Type]Profile{
	// Cashbook
	"cbp": {Type: "cbp", Module: ModuleCashBook, Name: "Brought Forward Payment", RequiresLines: true, Payment: true},
	"cbr": {Type: "cbr", Module: ModuleCashBook, Name: "Brought Forward Receipt", RequiresLines: true, Credit: true, Positive: true, Payment: true},
	"cp":  {Type: "cp", Module: ModuleCashBook, Name: "Payment", RequiresLines: true, RequiresAnalysis: true, Payment: true},
	"cr":  {Type: "cr", Module: ModuleCashBook, Name: "Receipt", RequiresLines: true, RequiresAnalysis: true, Credit: true, Positive: true, Payment: true},

	// Purchase ledger
	"pbi": {Type: "pbi", Module: ModulePurchase, Name: "Brought Forward Invoice", RequiresLines: true, Positive: true},
	"pbc": {Type: "pbc", Module: ModulePurchase, Name: "Brought Forward Credit Note", RequiresLines: true, Credit: true},
	"pbp": {Type: "pbp", Module: ModulePurchase, Name: "Brought Forward Payment", Credit: true, Payment: true},
	"pbr": {Type: "pbr", Module: ModulePurchase, Name: "Brought Forward Refund", Positive: true, Payment: true},
	"pi":  {Type: "pi", Module: ModulePurchase, Name: "Invoice", RequiresLines: true, RequiresAnalysis: true, Positive: true},
	"pc":  {Type: "pc", Module: ModulePurchase, Name: "Credit Note", RequiresLines: true, RequiresAnalysis: true, Credit: true},
	"pp":  {Type: "pp", Module: ModulePurchase, Name: "Payment", RequiresAnalysis: true, Credit: true, Payment: true},
	"pr":  {Type: "pr", Module: ModulePurchase, Name: "Refund", RequiresAnalysis: true, Positive: true, Payment: true},

	// Sales ledger
	"sbi": {Type: "sbi", Module: ModuleSales, Name: "Brought Forward Invoice", RequiresLines: true, Credit: true, Positive: true},
	"sbc": {Type: "sbc", Module: ModuleSales, Name: "Brought Forward Credit Note", RequiresLines: true},
	"sbp": {Type: "sbp", Module: ModuleSales, Name: "Brought Forward Receipt", Payment: true},
	"sbr": {Type: "sbr", Module: ModuleSales, Name: "Brought Forward Refund", Credit: true, Positive: true, Payment: true},
	"si":  {Type: "si", Module: ModuleSales, Name: "Invoice", RequiresLines: true, RequiresAnalysis: true, Credit: true, Positive: true},
	"sc":  {Type: "sc", Module: ModuleSales, Name: "Credit Note", RequiresLines: true, RequiresAnalysis: true},
	"sp":  {Type: "sp", Module: ModuleSales, Name: "Receipt", RequiresAnalysis: true, Payment: true},
	"sr":  {Type: "sr", Module: ModuleSales, Name: "Refund", RequiresAnalysis: true, Credit: true, Positive: true, Payment: true},

	// Nominal ledger
	"nj": {Type: "nj", Module: ModuleNominal, Name: "Journal", RequiresLines: true, RequiresAnalysis: true, Positive: true},
}

// Lookup resolves the posting convention for a type code. Unknown codes
// are fatal: the whole operation is rejected before any ledger row is
// written.
func Lookup(t Type) (Profile, error) {
	p, ok := profiles[t]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownTransactionType, t)
	}
	return p, nil
}

// MustLookup panics on an unknown code. For statically known types only.
func MustLookup(t Type) Profile {
	p, err := Lookup(t)
	if err != nil {
		panic(err)
	}
	return p
}

// Types returns every type code registered for a module.
func Types(m Module) []Type {
	var out []Type
	for t, p := range profiles {
		if p.Module == m {
			out = append(out, t)
		}
	}
	return out
}

// NormalizeSign converts user-entered magnitudes into the stored
// convention: negative types persist the negated value, positive types
// persist it as entered. DisplayValue is the exact inverse, so the pair
// round-trips.
func NormalizeSign(t Type, goods, vat decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	p, err := Lookup(t)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if p.IsNegative() {
		return goods.Neg(), vat.Neg(), nil
	}
	return goods, vat, nil
}

// DisplayValue converts a stored value back to the magnitude the user
// entered and sees.
func DisplayValue(t Type, v decimal.Decimal) (decimal.Decimal, error) {
	p, err := Lookup(t)
	if err != nil {
		return decimal.Zero, err
	}
	if p.IsNegative() {
		return v.Neg(), nil
	}
	return v, nil
}
