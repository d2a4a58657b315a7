package posting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgerbook.org/internal/accounting"
	"ledgerbook.org/internal/audit"
	"ledgerbook.org/internal/books"
)

type fixture struct {
	bank       books.Nominal
	expense    books.Nominal
	vatControl books.Nominal
	vat20      books.VatCode
	cash       books.CashBook
}

func newTestBooks(t *testing.T) (*InMemory, fixture) {
	t.Helper()
	s := NewInMemory()
	f := fixture{
		bank:    s.AddNominal("Bank Account", 0),
		expense: s.AddNominal("Sundry Expenses", 0),
	}
	f.vatControl = s.AddNominal("Vat Control", 0)
	f.vat20 = s.AddVatCode("1", "Standard Rate", decimal.NewFromInt(20))
	f.cash = s.AddCashBook("Current Account", f.bank.ID)
	return s, f
}

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func newPayment(t *testing.T, ctx context.Context, s *InMemory, f fixture, lines []books.Line) books.Header {
	t.Helper()
	var goods, vat decimal.Decimal
	for _, l := range lines {
		goods = goods.Add(l.Goods)
		vat = vat.Add(l.Vat)
	}
	h, err := s.CreateHeader(ctx, books.Header{
		Type:       "cp",
		Ref:        "payment 1",
		Date:       time.Date(2020, 9, 15, 0, 0, 0, 0, time.UTC),
		Period:     accounting.MustParse("202009"),
		Goods:      goods,
		Vat:        vat,
		Total:      goods.Add(vat),
		VatType:    books.VatTypeInput,
		CashBookID: f.cash.ID,
	})
	if err != nil {
		t.Fatalf("create header: %v", err)
	}
	if len(lines) > 0 {
		if _, err := s.CreateLines(ctx, books.ModuleCashBook, h.ID, lines); err != nil {
			t.Fatalf("create lines: %v", err)
		}
	}
	return h
}

func TestPostCashBookPayment(t *testing.T) {
	s, f := newTestBooks(t)
	ctx := context.Background()
	h := newPayment(t, ctx, s, f, []books.Line{
		{Description: "stationery", Goods: dec("100"), Vat: dec("20"), NominalID: f.expense.ID, VatCodeID: f.vat20.ID},
	})

	res, err := New(s).Post(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if res.BatchID == "" {
		t.Fatal("expected a batch id")
	}

	noms := s.NominalTransactionsFor(books.ModuleCashBook, h.ID)
	if len(noms) != 3 {
		t.Fatalf("nominal rows = %d, want 3", len(noms))
	}
	// A payment stores negated values; the nominal ledger mirrors them
	// back: debit the expense and vat control, credit the bank.
	want := []struct {
		field   books.Field
		nominal int
		value   string
	}{
		{books.FieldGoods, f.expense.ID, "100"},
		{books.FieldVat, f.vatControl.ID, "20"},
		{books.FieldTotal, f.bank.ID, "-120"},
	}
	for i, w := range want {
		got := noms[i]
		if got.Field != w.field || got.NominalID != w.nominal || !got.Value.Equal(dec(w.value)) {
			t.Errorf("nominal[%d] = {%s %d %s}, want {%s %d %s}",
				i, got.Field, got.NominalID, got.Value, w.field, w.nominal, w.value)
		}
		if got.BatchID != res.BatchID {
			t.Errorf("nominal[%d] batch = %q, want %q", i, got.BatchID, res.BatchID)
		}
	}
	var sum decimal.Decimal
	for _, row := range noms {
		sum = sum.Add(row.Value)
	}
	if !sum.IsZero() {
		t.Errorf("nominal rows sum to %s, want 0", sum)
	}

	vats := s.VatTransactionsFor(books.ModuleCashBook, h.ID)
	if len(vats) != 1 {
		t.Fatalf("vat rows = %d, want 1", len(vats))
	}
	v := vats[0]
	if !v.Goods.Equal(dec("-100")) || !v.Vat.Equal(dec("-20")) {
		t.Errorf("vat row goods/vat = %s/%s, want -100/-20", v.Goods, v.Vat)
	}
	if v.VatType != books.VatTypeInput || !v.VatRate.Equal(dec("20")) {
		t.Errorf("vat row type/rate = %s/%s", v.VatType, v.VatRate)
	}

	cbs := s.CashBookTransactionsFor(books.ModuleCashBook, h.ID)
	if len(cbs) != 1 {
		t.Fatalf("cashbook rows = %d, want 1", len(cbs))
	}
	if cbs[0].LineID != 1 {
		t.Errorf("cashbook line = %d, want 1", cbs[0].LineID)
	}
	if !cbs[0].Value.Equal(dec("-120")) {
		t.Errorf("cashbook value = %s, want -120 (the stored header total)", cbs[0].Value)
	}
	if cbs[0].CashBookID != f.cash.ID {
		t.Errorf("cashbook account = %d, want %d", cbs[0].CashBookID, f.cash.ID)
	}

	lines, _ := s.GetLines(ctx, books.ModuleCashBook, h.ID)
	l := lines[0]
	if l.GoodsNominalTransactionID == nil || l.VatNominalTransactionID == nil ||
		l.TotalNominalTransactionID == nil || l.VatTransactionID == nil {
		t.Fatal("expected all four transaction references to be set")
	}
	if *l.GoodsNominalTransactionID != noms[0].ID ||
		*l.VatNominalTransactionID != noms[1].ID ||
		*l.TotalNominalTransactionID != noms[2].ID ||
		*l.VatTransactionID != v.ID {
		t.Error("line references do not point at the generated rows")
	}
}

func TestPostTwoLines(t *testing.T) {
	s, f := newTestBooks(t)
	ctx := context.Background()
	h := newPayment(t, ctx, s, f, []books.Line{
		{Goods: dec("100"), Vat: dec("20"), NominalID: f.expense.ID, VatCodeID: f.vat20.ID},
		{Goods: dec("100"), Vat: dec("20"), NominalID: f.expense.ID, VatCodeID: f.vat20.ID},
	})
	if _, err := New(s).Post(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID); err != nil {
		t.Fatalf("post: %v", err)
	}

	if n := len(s.NominalTransactionsFor(books.ModuleCashBook, h.ID)); n != 6 {
		t.Errorf("nominal rows = %d, want 6", n)
	}
	if n := len(s.VatTransactionsFor(books.ModuleCashBook, h.ID)); n != 2 {
		t.Errorf("vat rows = %d, want 2", n)
	}
	if n := len(s.CashBookTransactionsFor(books.ModuleCashBook, h.ID)); n != 1 {
		t.Errorf("cashbook rows = %d, want 1", n)
	}

	lines, _ := s.GetLines(ctx, books.ModuleCashBook, h.ID)
	seen := map[int]bool{}
	for _, l := range lines {
		if l.GoodsNominalTransactionID == nil || l.VatTransactionID == nil {
			t.Fatalf("line %d missing references", l.LineNo)
		}
		if seen[*l.GoodsNominalTransactionID] {
			t.Fatalf("line %d shares a goods row with another line", l.LineNo)
		}
		seen[*l.GoodsNominalTransactionID] = true
	}
}

func TestPostSkipsZeroValueLine(t *testing.T) {
	s, f := newTestBooks(t)
	ctx := context.Background()
	h := newPayment(t, ctx, s, f, []books.Line{
		{Goods: dec("100"), Vat: dec("20"), NominalID: f.expense.ID, VatCodeID: f.vat20.ID},
		{Description: "placeholder", NominalID: f.expense.ID, VatCodeID: f.vat20.ID},
	})
	if _, err := New(s).Post(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID); err != nil {
		t.Fatalf("post: %v", err)
	}

	if n := len(s.NominalTransactionsFor(books.ModuleCashBook, h.ID)); n != 3 {
		t.Errorf("nominal rows = %d, want 3", n)
	}

	lines, _ := s.GetLines(ctx, books.ModuleCashBook, h.ID)
	zero := lines[1]
	if zero.GoodsNominalTransactionID != nil || zero.VatNominalTransactionID != nil ||
		zero.TotalNominalTransactionID != nil {
		t.Error("zero value line must keep nil nominal references")
	}
	// Vat ledger rows are per line regardless of value.
	if zero.VatTransactionID == nil {
		t.Error("zero value line still gets a vat ledger row")
	}
}

func TestPostZeroTotalRejected(t *testing.T) {
	s, f := newTestBooks(t)
	ctx := context.Background()
	h := newPayment(t, ctx, s, f, []books.Line{
		{Goods: dec("100"), Vat: dec("-100"), NominalID: f.expense.ID},
	})
	_, err := New(s).Post(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID)
	if !errors.Is(err, ErrZeroValueTransaction) {
		t.Fatalf("err = %v, want ErrZeroValueTransaction", err)
	}
}

func TestPostRequiresLines(t *testing.T) {
	s, f := newTestBooks(t)
	ctx := context.Background()
	h, err := s.CreateHeader(ctx, books.Header{
		Type:       "cp",
		Ref:        "no lines",
		Date:       time.Date(2020, 9, 15, 0, 0, 0, 0, time.UTC),
		Period:     accounting.MustParse("202009"),
		Goods:      dec("100"),
		Total:      dec("100"),
		CashBookID: f.cash.ID,
	})
	if err != nil {
		t.Fatalf("create header: %v", err)
	}
	_, err = New(s).Post(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID)
	if !errors.Is(err, ErrLinesRequired) {
		t.Fatalf("err = %v, want ErrLinesRequired", err)
	}
}

func TestPostTwiceRejected(t *testing.T) {
	s, f := newTestBooks(t)
	ctx := context.Background()
	h := newPayment(t, ctx, s, f, []books.Line{
		{Goods: dec("100"), Vat: dec("20"), NominalID: f.expense.ID, VatCodeID: f.vat20.ID},
	})
	p := New(s)
	if _, err := p.Post(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID); err != nil {
		t.Fatalf("first post: %v", err)
	}
	_, err := p.Post(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID)
	if !errors.Is(err, ErrAlreadyPosted) {
		t.Fatalf("err = %v, want ErrAlreadyPosted", err)
	}
}

func TestPostBroughtForwardCreatesNoRows(t *testing.T) {
	s, f := newTestBooks(t)
	ctx := context.Background()
	h, err := s.CreateHeader(ctx, books.Header{
		Type:   "pbi",
		Ref:    "opening balance",
		Date:   time.Date(2020, 9, 1, 0, 0, 0, 0, time.UTC),
		Period: accounting.MustParse("202009"),
		Goods:  dec("600"),
		Total:  dec("600"),
	})
	if err != nil {
		t.Fatalf("create header: %v", err)
	}
	if _, err := s.CreateLines(ctx, books.ModulePurchase, h.ID, []books.Line{{Goods: dec("600")}}); err != nil {
		t.Fatalf("create lines: %v", err)
	}

	res, err := New(s).Post(ctx, books.ModulePurchase, h.ID, f.bank.ID, f.vatControl.ID)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if res.BatchID == "" {
		t.Error("brought forward posting still gets a batch id")
	}
	if n := len(s.NominalTransactionsFor(books.ModulePurchase, h.ID)); n != 0 {
		t.Errorf("nominal rows = %d, want 0", n)
	}
	if n := len(s.VatTransactionsFor(books.ModulePurchase, h.ID)); n != 0 {
		t.Errorf("vat rows = %d, want 0", n)
	}
	lines, _ := s.GetLines(ctx, books.ModulePurchase, h.ID)
	if lines[0].GoodsNominalTransactionID != nil {
		t.Error("brought forward lines keep nil references")
	}
}

func TestVoidRemovesEverything(t *testing.T) {
	s, f := newTestBooks(t)
	ctx := context.Background()
	h := newPayment(t, ctx, s, f, []books.Line{
		{Goods: dec("100"), Vat: dec("20"), NominalID: f.expense.ID, VatCodeID: f.vat20.ID},
	})
	p := New(s)
	if _, err := p.Post(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID); err != nil {
		t.Fatalf("post: %v", err)
	}

	voided, err := p.Void(ctx, books.ModuleCashBook, h.ID)
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if !voided.IsVoid() {
		t.Fatalf("status = %q, want void", voided.Status)
	}

	if n := len(s.NominalTransactionsFor(books.ModuleCashBook, h.ID)); n != 0 {
		t.Errorf("nominal rows = %d, want 0", n)
	}
	if n := len(s.VatTransactionsFor(books.ModuleCashBook, h.ID)); n != 0 {
		t.Errorf("vat rows = %d, want 0", n)
	}
	if n := len(s.CashBookTransactionsFor(books.ModuleCashBook, h.ID)); n != 0 {
		t.Errorf("cashbook rows = %d, want 0", n)
	}
	lines, _ := s.GetLines(ctx, books.ModuleCashBook, h.ID)
	l := lines[0]
	if l.GoodsNominalTransactionID != nil || l.VatNominalTransactionID != nil ||
		l.TotalNominalTransactionID != nil || l.VatTransactionID != nil {
		t.Error("void must null the line references")
	}
	// Header and lines survive the void.
	if _, err := s.GetHeader(ctx, books.ModuleCashBook, h.ID); err != nil {
		t.Errorf("header gone after void: %v", err)
	}
}

func TestVoidTwiceIsNoOp(t *testing.T) {
	s, f := newTestBooks(t)
	ctx := context.Background()
	h := newPayment(t, ctx, s, f, []books.Line{
		{Goods: dec("100"), Vat: dec("20"), NominalID: f.expense.ID, VatCodeID: f.vat20.ID},
	})
	p := New(s)
	if _, err := p.Post(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID); err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := p.Void(ctx, books.ModuleCashBook, h.ID); err != nil {
		t.Fatalf("first void: %v", err)
	}
	before, _ := s.HeaderSnapshots(ctx, books.ModuleCashBook, h.ID)

	again, err := p.Void(ctx, books.ModuleCashBook, h.ID)
	if err != nil {
		t.Fatalf("second void: %v", err)
	}
	if !again.IsVoid() {
		t.Error("second void must report the voided header")
	}
	after, _ := s.HeaderSnapshots(ctx, books.ModuleCashBook, h.ID)
	if len(after) != len(before) {
		t.Errorf("second void wrote %d snapshots", len(after)-len(before))
	}
}

func TestEditRepostsFreshRows(t *testing.T) {
	s, f := newTestBooks(t)
	ctx := context.Background()
	h := newPayment(t, ctx, s, f, []books.Line{
		{Goods: dec("100"), Vat: dec("20"), NominalID: f.expense.ID, VatCodeID: f.vat20.ID},
	})
	p := New(s)
	first, err := p.Post(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID)
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	lines, _ := s.GetLines(ctx, books.ModuleCashBook, h.ID)
	edited := lines[0]
	edited.Goods = dec("60") // user magnitude; the store renormalizes
	edited.Vat = dec("12")
	if _, err := s.UpdateLine(ctx, books.ModuleCashBook, edited); err != nil {
		t.Fatalf("update line: %v", err)
	}

	second, err := p.Edit(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if second.BatchID == first.BatchID {
		t.Error("repost must use a fresh batch id")
	}

	noms := s.NominalTransactionsFor(books.ModuleCashBook, h.ID)
	if len(noms) != 3 {
		t.Fatalf("nominal rows = %d, want 3 fresh rows", len(noms))
	}
	if !noms[0].Value.Equal(dec("60")) {
		t.Errorf("goods row = %s, want 60", noms[0].Value)
	}
	for _, row := range noms {
		if row.ID <= first.NominalTransactions[2].ID {
			t.Error("old nominal rows must be destroyed, not reused")
		}
	}
	vats := s.VatTransactionsFor(books.ModuleCashBook, h.ID)
	if len(vats) != 1 || !vats[0].Goods.Equal(dec("-60")) {
		t.Errorf("expected one fresh vat row mirroring -60")
	}
}

func TestEditVoidHeaderRejected(t *testing.T) {
	s, f := newTestBooks(t)
	ctx := context.Background()
	h := newPayment(t, ctx, s, f, []books.Line{
		{Goods: dec("100"), Vat: dec("20"), NominalID: f.expense.ID, VatCodeID: f.vat20.ID},
	})
	p := New(s)
	if _, err := p.Post(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID); err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := p.Void(ctx, books.ModuleCashBook, h.ID); err != nil {
		t.Fatalf("void: %v", err)
	}
	if _, err := p.Edit(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID); err == nil {
		t.Fatal("editing a void header must fail")
	}
}

func TestPurchasePaymentWithoutLines(t *testing.T) {
	s, f := newTestBooks(t)
	ctx := context.Background()
	control := s.AddNominal("Purchase Ledger Control", 0)
	h, err := s.CreateHeader(ctx, books.Header{
		Type:       "pp",
		Ref:        "supplier payment",
		Date:       time.Date(2020, 9, 20, 0, 0, 0, 0, time.UTC),
		Period:     accounting.MustParse("202009"),
		Total:      dec("250"),
		CashBookID: f.cash.ID,
	})
	if err != nil {
		t.Fatalf("create header: %v", err)
	}

	res, err := New(s).Post(ctx, books.ModulePurchase, h.ID, control.ID, f.vatControl.ID)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if res.CashBookTransaction == nil {
		t.Fatal("payment must write a cashbook row")
	}
	if !res.CashBookTransaction.Value.Equal(dec("-250")) {
		t.Errorf("cashbook value = %s, want -250", res.CashBookTransaction.Value)
	}

	// A lineless payment still moves money: credit the bank, debit the
	// purchase ledger control.
	noms := s.NominalTransactionsFor(books.ModulePurchase, h.ID)
	if len(noms) != 2 {
		t.Fatalf("nominal rows = %d, want the bank/control pair", len(noms))
	}
	bankRow, controlRow := noms[0], noms[1]
	if bankRow.LineID != 1 || bankRow.NominalID != f.bank.ID || !bankRow.Value.Equal(dec("-250")) {
		t.Errorf("bank row = {%d %d %s}, want {1 %d -250}",
			bankRow.LineID, bankRow.NominalID, bankRow.Value, f.bank.ID)
	}
	if controlRow.LineID != 2 || controlRow.NominalID != control.ID || !controlRow.Value.Equal(dec("250")) {
		t.Errorf("control row = {%d %d %s}, want {2 %d 250}",
			controlRow.LineID, controlRow.NominalID, controlRow.Value, control.ID)
	}
	for i, row := range noms {
		if row.Field != books.FieldTotal {
			t.Errorf("nominal[%d] field = %q, want %q", i, row.Field, books.FieldTotal)
		}
		if row.BatchID != res.BatchID {
			t.Errorf("nominal[%d] batch = %q, want %q", i, row.BatchID, res.BatchID)
		}
	}
	if sum := bankRow.Value.Add(controlRow.Value); !sum.IsZero() {
		t.Errorf("nominal rows sum to %s, want 0", sum)
	}
	if n := len(s.VatTransactionsFor(books.ModulePurchase, h.ID)); n != 0 {
		t.Errorf("vat rows = %d, want 0 without lines", n)
	}
}

func TestPostTwiceRejectedVatOnlyLine(t *testing.T) {
	s, f := newTestBooks(t)
	ctx := context.Background()
	// No vat type on the header, so the line ends up with only the vat
	// and total nominal references set.
	h, err := s.CreateHeader(ctx, books.Header{
		Type:       "cp",
		Ref:        "vat only",
		Date:       time.Date(2020, 9, 15, 0, 0, 0, 0, time.UTC),
		Period:     accounting.MustParse("202009"),
		Vat:        dec("20"),
		Total:      dec("20"),
		CashBookID: f.cash.ID,
	})
	if err != nil {
		t.Fatalf("create header: %v", err)
	}
	if _, err := s.CreateLines(ctx, books.ModuleCashBook, h.ID, []books.Line{
		{Vat: dec("20"), NominalID: f.expense.ID, VatCodeID: f.vat20.ID},
	}); err != nil {
		t.Fatalf("create lines: %v", err)
	}

	p := New(s)
	if _, err := p.Post(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID); err != nil {
		t.Fatalf("first post: %v", err)
	}
	lines, _ := s.GetLines(ctx, books.ModuleCashBook, h.ID)
	l := lines[0]
	if l.GoodsNominalTransactionID != nil || l.VatTransactionID != nil {
		t.Fatal("zero goods and no vat type must leave those references nil")
	}
	if l.VatNominalTransactionID == nil || l.TotalNominalTransactionID == nil {
		t.Fatal("vat and total nominal references must be set")
	}

	_, err = p.Post(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID)
	if !errors.Is(err, ErrAlreadyPosted) {
		t.Fatalf("err = %v, want ErrAlreadyPosted", err)
	}
}

func TestEditFailureLeavesLedgerIntact(t *testing.T) {
	s, f := newTestBooks(t)
	ctx := context.Background()
	h := newPayment(t, ctx, s, f, []books.Line{
		{Goods: dec("100"), Vat: dec("20"), NominalID: f.expense.ID, VatCodeID: f.vat20.ID},
	})
	p := New(s)
	if _, err := p.Post(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID); err != nil {
		t.Fatalf("post: %v", err)
	}

	// Zero the header so the repost is rejected mid-edit.
	if _, err := s.UpdateHeader(ctx, books.Header{
		ID:         h.ID,
		Type:       "cp",
		Ref:        "payment 1",
		Date:       h.Date,
		Period:     h.Period,
		VatType:    books.VatTypeInput,
		CashBookID: f.cash.ID,
	}); err != nil {
		t.Fatalf("update header: %v", err)
	}

	_, err := p.Edit(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID)
	if !errors.Is(err, ErrZeroValueTransaction) {
		t.Fatalf("err = %v, want ErrZeroValueTransaction", err)
	}

	// The rejected edit must not have touched the books.
	if n := len(s.NominalTransactionsFor(books.ModuleCashBook, h.ID)); n != 3 {
		t.Errorf("nominal rows = %d, want the original 3", n)
	}
	if n := len(s.VatTransactionsFor(books.ModuleCashBook, h.ID)); n != 1 {
		t.Errorf("vat rows = %d, want the original 1", n)
	}
	if n := len(s.CashBookTransactionsFor(books.ModuleCashBook, h.ID)); n != 1 {
		t.Errorf("cashbook rows = %d, want the original 1", n)
	}
	lines, _ := s.GetLines(ctx, books.ModuleCashBook, h.ID)
	l := lines[0]
	if l.GoodsNominalTransactionID == nil || l.VatNominalTransactionID == nil ||
		l.TotalNominalTransactionID == nil || l.VatTransactionID == nil {
		t.Error("line references must survive a rejected edit")
	}
	header, _ := s.GetHeader(ctx, books.ModuleCashBook, h.ID)
	if header.Status != books.StatusCleared {
		t.Errorf("status = %q, want cleared", header.Status)
	}
}

func TestAuditTrailEndToEnd(t *testing.T) {
	s, f := newTestBooks(t)
	ctx := audit.WithUser(context.Background(), "clerk-7")
	h := newPayment(t, ctx, s, f, []books.Line{
		{Description: "rent", Goods: dec("100"), Vat: dec("20"), NominalID: f.expense.ID, VatCodeID: f.vat20.ID},
	})
	p := New(s)
	if _, err := p.Post(ctx, books.ModuleCashBook, h.ID, f.bank.ID, f.vatControl.ID); err != nil {
		t.Fatalf("post: %v", err)
	}

	lines, _ := s.GetLines(ctx, books.ModuleCashBook, h.ID)
	edited := lines[0]
	edited.Description = "rent september"
	edited.Goods = dec("100")
	edited.Vat = dec("20")
	if _, err := s.UpdateLine(ctx, books.ModuleCashBook, edited); err != nil {
		t.Fatalf("update line: %v", err)
	}
	if _, err := p.Void(ctx, books.ModuleCashBook, h.ID); err != nil {
		t.Fatalf("void: %v", err)
	}

	changes, err := p.AuditTrail(ctx, books.ModuleCashBook, h.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	// Header create, line create, line update, header void.
	if len(changes) != 4 {
		t.Fatalf("changes = %d, want 4", len(changes))
	}

	first := changes[0]
	if first.Aspect != audit.AspectHeader || first.Meta.Action != audit.ActionCreate {
		t.Fatalf("first change = %s %s, want header create", first.Aspect, first.Meta.Action)
	}
	if first.Meta.User != "clerk-7" {
		t.Errorf("user = %q, want clerk-7", first.Meta.User)
	}
	// Payments store negated values but display what was entered.
	if got := first.Fields["goods"].New; got != "100" {
		t.Errorf("created goods = %q, want the entered 100", got)
	}
	if got := first.Fields["total"].New; got != "120" {
		t.Errorf("created total = %q, want the entered 120", got)
	}

	var lineUpdate *audit.Change
	for i := range changes {
		if changes[i].Aspect == audit.AspectLine && changes[i].Meta.Action == audit.ActionUpdate {
			lineUpdate = &changes[i]
		}
	}
	if lineUpdate == nil {
		t.Fatal("missing line update change")
	}
	fc, ok := lineUpdate.Fields["description"]
	if !ok {
		t.Fatal("line update should record the description change")
	}
	if fc.Old != "rent" || fc.New != "rent september" {
		t.Errorf("description change = %q -> %q", fc.Old, fc.New)
	}
	if _, ok := lineUpdate.Fields["goods"]; ok {
		t.Error("unchanged goods must not appear in the line update")
	}

	last := changes[len(changes)-1]
	if last.Aspect != audit.AspectHeader || last.Meta.Action != audit.ActionUpdate {
		t.Fatalf("last change = %s %s, want the void status update", last.Aspect, last.Meta.Action)
	}
	if fc := last.Fields["status"]; fc.Old != "c" || fc.New != "v" {
		t.Errorf("status change = %q -> %q, want c -> v", fc.Old, fc.New)
	}
}
