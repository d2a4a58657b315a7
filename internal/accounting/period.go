package accounting

import (
	"errors"
	"fmt"
	"strings"
)

// periodsInFY is the number of accounting periods in a financial year.
// Periods map one-to-one onto calendar months.
const periodsInFY = 12

var ErrInvalidPeriodFormat = errors.New("period must be a 6 digit code, the first 4 the financial year and the last 2 the period")

// Period is an ordinal year-period value encoded canonically as "YYYYMM".
// It is immutable; construct one with Parse and derive others with Add/Sub.
// Because the canonical encoding sorts chronologically, a Period compares
// directly against externally stored 6-digit codes via CompareCode.
type Period struct {
	fy    int
	index int // 1-based period within the financial year
}

// Parse accepts exactly a 6-character numeric string "YYYYMM".
func Parse(code string) (Period, error) {
	if len(code) != 6 {
		return Period{}, ErrInvalidPeriodFormat
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return Period{}, ErrInvalidPeriodFormat
		}
	}
	fy := int(code[0]-'0')*1000 + int(code[1]-'0')*100 + int(code[2]-'0')*10 + int(code[3]-'0')
	index := int(code[4]-'0')*10 + int(code[5]-'0')
	if index < 1 || index > periodsInFY {
		return Period{}, ErrInvalidPeriodFormat
	}
	return Period{fy: fy, index: index}, nil
}

// MustParse is Parse for statically known codes, e.g. in tests and seeds.
func MustParse(code string) Period {
	p, err := Parse(code)
	if err != nil {
		panic(err)
	}
	return p
}

// FY returns the financial year, e.g. 2020 for "202007".
func (p Period) FY() int { return p.fy }

// Index returns the 1-based period within the financial year.
func (p Period) Index() int { return p.index }

// IsZero reports whether p is the uninitialised Period.
func (p Period) IsZero() bool { return p.fy == 0 && p.index == 0 }

// String returns the canonical 6-digit form used everywhere the period is
// stored or serialized.
func (p Period) String() string {
	return fmt.Sprintf("%04d%02d", p.fy, p.index)
}

// Add shifts the period by n months, wrapping across year boundaries.
// n may be negative or zero; Add(-n) is equivalent to Sub(n).
func (p Period) Add(n int) Period {
	idx := p.index - 1 + n
	fy := p.fy + floorDiv(idx, periodsInFY)
	return Period{fy: fy, index: floorMod(idx, periodsInFY) + 1}
}

// Sub shifts the period back by n months.
func (p Period) Sub(n int) Period { return p.Add(-n) }

// Cmp totally orders two periods by (year, period): -1, 0 or +1.
func (p Period) Cmp(other Period) int {
	return strings.Compare(p.String(), other.String())
}

// CompareCode orders p against a raw 6-digit code without parsing it.
// A plain stored code is an equivalent peer value, so the comparison is
// the canonical string order.
func (p Period) CompareCode(code string) int {
	return strings.Compare(p.String(), code)
}

// Equal reports whether p and other denote the same period.
func (p Period) Equal(other Period) bool { return p.Cmp(other) == 0 }

// EqualCode reports whether p equals the raw stored code.
func (p Period) EqualCode(code string) bool { return p.String() == code }

// Before and After are chronological shorthands for Cmp.
func (p Period) Before(other Period) bool { return p.Cmp(other) < 0 }
func (p Period) After(other Period) bool  { return p.Cmp(other) > 0 }

// FinancialYear groups the periods of one financial year.
type FinancialYear struct {
	year int
}

// FYOf returns the financial year a period belongs to.
func FYOf(p Period) FinancialYear { return FinancialYear{year: p.fy} }

// Start returns the first period of the financial year.
func (fy FinancialYear) Start() Period { return Period{fy: fy.year, index: 1} }

// End returns the last period of the financial year.
func (fy FinancialYear) End() Period { return Period{fy: fy.year, index: periodsInFY} }

// Year returns the financial year number.
func (fy FinancialYear) Year() int { return fy.year }

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func floorMod(a, b int) int {
	m := a % b
	if m != 0 && (m < 0) != (b < 0) {
		m += b
	}
	return m
}
