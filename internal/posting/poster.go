package posting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerbook.org/internal/audit"
	"ledgerbook.org/internal/books"
	"ledgerbook.org/internal/obs"
)

var (
	// ErrZeroValueTransaction is a business-rule rejection owned by the
	// validation layer; the poster treats reaching it as a precondition
	// violation.
	ErrZeroValueTransaction = errors.New("zero value transaction")
	// ErrLinesRequired - the type carries lines but none were saved.
	ErrLinesRequired = errors.New("transaction type requires lines")
	// ErrAlreadyPosted - the header's lines already reference ledger rows.
	ErrAlreadyPosted = errors.New("transaction already posted")
	// ErrPartialPostFailure wraps any failure mid-posting; the storage
	// transaction has been rolled back and no ledger row survives.
	ErrPartialPostFailure = errors.New("posting failed and was rolled back")
	// ErrAlternativeStore - a storage accessor was handed entities it does
	// not manage. Programming error, fatal.
	ErrAlternativeStore = errors.New("store does not manage this entity")
)

// Store is the storage collaborator the poster orchestrates. GetLines
// returns the header's lines ordered by line number; the mutating methods
// are only ever called inside InTransaction.
type Store interface {
	GetHeader(ctx context.Context, module books.Module, headerID int) (books.Header, error)
	GetLines(ctx context.Context, module books.Module, headerID int) ([]books.Line, error)
	GetVatCode(ctx context.Context, id int) (books.VatCode, error)
	GetCashBook(ctx context.Context, id int) (books.CashBook, error)

	// InTransaction runs fn atomically: either every mutation fn makes is
	// committed or none are observable.
	InTransaction(ctx context.Context, fn func(tx TxStore) error) error

	SnapshotSource
}

// TxStore is the mutating surface available inside one atomic unit. The
// bulk creators assign identifiers and return the rows in input order.
type TxStore interface {
	// LockHeader serializes concurrent posts, voids and edits of one
	// header for the rest of the transaction.
	LockHeader(ctx context.Context, module books.Module, headerID int) error
	CreateNominalTransactions(ctx context.Context, rows []books.NominalTransaction) ([]books.NominalTransaction, error)
	CreateVatTransactions(ctx context.Context, rows []books.VatTransaction) ([]books.VatTransaction, error)
	CreateCashBookTransaction(ctx context.Context, row books.CashBookTransaction) (books.CashBookTransaction, error)
	UpdateLineTransactionRefs(ctx context.Context, module books.Module, lines []books.Line) error
	DeleteNominalTransactions(ctx context.Context, module books.Module, headerID int) error
	DeleteVatTransactions(ctx context.Context, module books.Module, headerID int) error
	DeleteCashBookTransactions(ctx context.Context, module books.Module, headerID int) error
	SetHeaderStatus(ctx context.Context, module books.Module, headerID int, status books.Status) error
}

// SnapshotSource reads the append-only snapshot store. Lines and matches
// come back grouped by entity identity, covering every line or match that
// ever existed under the header.
type SnapshotSource interface {
	HeaderSnapshots(ctx context.Context, module books.Module, headerID int) ([]audit.Snapshot, error)
	LineSnapshots(ctx context.Context, module books.Module, headerID int) (map[int][]audit.Snapshot, error)
	MatchSnapshots(ctx context.Context, module books.Module, headerID int) (map[int][]audit.Snapshot, error)
}

// PostResult reports the ledger rows one posting wrote.
type PostResult struct {
	BatchID             string
	Header              books.Header
	Lines               []books.Line
	NominalTransactions []books.NominalTransaction
	VatTransactions     []books.VatTransaction
	CashBookTransaction *books.CashBookTransaction
}

// Poster turns a saved header and its saved lines into nominal, VAT and
// cashbook ledger rows, and reverses them on void. It assumes validated,
// already-persisted input; the checks it repeats are defensive.
type Poster struct {
	store Store
}

func New(store Store) *Poster {
	return &Poster{store: store}
}

// Post writes the ledger rows for a header. bankNominalID is the
// balancing nominal (the bank account for cashbook postings, the control
// account for the purchase and sales ledgers); vatNominalID receives the
// VAT side of every line.
//
// Per line with a non-zero value three nominal rows are created: the
// goods against the line's nominal with inverted sign, the VAT against
// vatNominalID with inverted sign, and the balancing total goods+vat
// against bankNominalID. The inversion is the standard double-entry
// mirror: the nominal ledger records the opposite movement of the
// subledger. Payment types with no analysis lines instead post a
// bank/control pair: the header total against the cashbook's nominal and
// its negation against bankNominalID. One cashbook row carries the
// header's net total, and one VAT ledger row per line mirrors its goods
// and VAT when the header has a VAT type. All rows commit together or
// not at all.
func (p *Poster) Post(ctx context.Context, module books.Module, headerID, bankNominalID, vatNominalID int) (*PostResult, error) {
	start := time.Now()
	result, err := p.post(ctx, module, headerID, bankNominalID, vatNominalID)
	if err != nil {
		obs.ObservePostingFailure(string(module))
		return nil, err
	}
	obs.ObservePosting(string(module), string(result.Header.Type), time.Since(start))
	_ = audit.LogEvent(ctx, "posting.post", map[string]any{
		"module":   string(module),
		"type":     string(result.Header.Type),
		"header":   headerID,
		"batch_id": result.BatchID,
	})
	return result, nil
}

func (p *Poster) post(ctx context.Context, module books.Module, headerID, bankNominalID, vatNominalID int) (*PostResult, error) {
	header, err := p.store.GetHeader(ctx, module, headerID)
	if err != nil {
		return nil, err
	}
	profile, err := books.Lookup(header.Type)
	if err != nil {
		return nil, err
	}
	if header.Total.IsZero() {
		return nil, fmt.Errorf("%w: header %d", ErrZeroValueTransaction, headerID)
	}

	lines, err := p.store.GetLines(ctx, module, headerID)
	if err != nil {
		return nil, err
	}
	if profile.RequiresLines && len(lines) == 0 {
		return nil, fmt.Errorf("%w: type %q", ErrLinesRequired, header.Type)
	}
	for _, l := range lines {
		if l.GoodsNominalTransactionID != nil || l.VatNominalTransactionID != nil ||
			l.TotalNominalTransactionID != nil || l.VatTransactionID != nil {
			return nil, fmt.Errorf("%w: header %d", ErrAlreadyPosted, headerID)
		}
	}

	result := &PostResult{
		BatchID: uuid.NewString(),
		Header:  header,
		Lines:   lines,
	}

	// Brought-forward entries exist only in their own ledger; they carry
	// no analysis and generate no rows in the other books.
	if !profile.RequiresAnalysis {
		return result, nil
	}

	nomRows, vatRows, err := p.buildRows(ctx, header, profile, lines, bankNominalID, vatNominalID, result.BatchID)
	if err != nil {
		return nil, err
	}

	err = p.store.InTransaction(ctx, func(tx TxStore) error {
		if err := tx.LockHeader(ctx, module, headerID); err != nil {
			return err
		}
		return p.writeLedgerRows(ctx, tx, module, profile, header, lines, nomRows, vatRows, result)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPartialPostFailure, err)
	}
	result.Lines = lines
	return result, nil
}

// Void deletes every ledger row generated for the header, nulls the
// lines' transaction references and flips the status to void. The header
// and lines themselves survive. Voiding an already-voided header is a
// no-op success.
func (p *Poster) Void(ctx context.Context, module books.Module, headerID int) (books.Header, error) {
	header, err := p.store.GetHeader(ctx, module, headerID)
	if err != nil {
		return books.Header{}, err
	}
	if header.IsVoid() {
		return header, nil
	}

	lines, err := p.store.GetLines(ctx, module, headerID)
	if err != nil {
		return books.Header{}, err
	}
	for i := range lines {
		lines[i].ClearTransactionRefs()
	}

	err = p.store.InTransaction(ctx, func(tx TxStore) error {
		if err := tx.LockHeader(ctx, module, headerID); err != nil {
			return err
		}
		if err := p.deleteLedgerRows(ctx, tx, module, headerID); err != nil {
			return err
		}
		if len(lines) > 0 {
			if err := tx.UpdateLineTransactionRefs(ctx, module, lines); err != nil {
				return err
			}
		}
		return tx.SetHeaderStatus(ctx, module, headerID, books.StatusVoid)
	})
	if err != nil {
		return books.Header{}, fmt.Errorf("%w: %v", ErrPartialPostFailure, err)
	}

	header.Status = books.StatusVoid
	obs.ObserveVoid(string(module))
	_ = audit.LogEvent(ctx, "posting.void", map[string]any{
		"module": string(module),
		"type":   string(header.Type),
		"header": headerID,
	})
	return header, nil
}

// Edit reposts a header after its values or lines changed. The old
// ledger rows are destroyed and fresh ones written inside one storage
// transaction, so a rejected repost leaves the original rows standing.
// VAT rows in particular are replaced, never mutated in place.
func (p *Poster) Edit(ctx context.Context, module books.Module, headerID, bankNominalID, vatNominalID int) (*PostResult, error) {
	start := time.Now()
	result, err := p.edit(ctx, module, headerID, bankNominalID, vatNominalID)
	if err != nil {
		obs.ObservePostingFailure(string(module))
		return nil, err
	}
	obs.ObservePosting(string(module), string(result.Header.Type), time.Since(start))
	_ = audit.LogEvent(ctx, "posting.edit", map[string]any{
		"module":   string(module),
		"type":     string(result.Header.Type),
		"header":   headerID,
		"batch_id": result.BatchID,
	})
	return result, nil
}

func (p *Poster) edit(ctx context.Context, module books.Module, headerID, bankNominalID, vatNominalID int) (*PostResult, error) {
	header, err := p.store.GetHeader(ctx, module, headerID)
	if err != nil {
		return nil, err
	}
	if header.IsVoid() {
		return nil, fmt.Errorf("cannot edit a void header %d", headerID)
	}
	profile, err := books.Lookup(header.Type)
	if err != nil {
		return nil, err
	}
	if header.Total.IsZero() {
		return nil, fmt.Errorf("%w: header %d", ErrZeroValueTransaction, headerID)
	}
	lines, err := p.store.GetLines(ctx, module, headerID)
	if err != nil {
		return nil, err
	}
	if profile.RequiresLines && len(lines) == 0 {
		return nil, fmt.Errorf("%w: type %q", ErrLinesRequired, header.Type)
	}
	for i := range lines {
		lines[i].ClearTransactionRefs()
	}

	result := &PostResult{
		BatchID: uuid.NewString(),
		Header:  header,
		Lines:   lines,
	}

	var nomRows []books.NominalTransaction
	var vatRows []books.VatTransaction
	if profile.RequiresAnalysis {
		nomRows, vatRows, err = p.buildRows(ctx, header, profile, lines, bankNominalID, vatNominalID, result.BatchID)
		if err != nil {
			return nil, err
		}
	}

	err = p.store.InTransaction(ctx, func(tx TxStore) error {
		if err := tx.LockHeader(ctx, module, headerID); err != nil {
			return err
		}
		if err := p.deleteLedgerRows(ctx, tx, module, headerID); err != nil {
			return err
		}
		if !profile.RequiresAnalysis {
			if len(lines) > 0 {
				return tx.UpdateLineTransactionRefs(ctx, module, lines)
			}
			return nil
		}
		return p.writeLedgerRows(ctx, tx, module, profile, header, lines, nomRows, vatRows, result)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPartialPostFailure, err)
	}
	result.Lines = lines
	return result, nil
}

// AuditTrail reconstructs the header's full chronological change history
// from the snapshot store. Read-only and safe to re-run.
func (p *Poster) AuditTrail(ctx context.Context, module books.Module, headerID int) ([]audit.Change, error) {
	header, err := p.store.GetHeader(ctx, module, headerID)
	if err != nil {
		return nil, err
	}
	cfg, err := books.TrailConfigFor(header.Type)
	if err != nil {
		return nil, err
	}
	headerSnaps, err := p.store.HeaderSnapshots(ctx, module, headerID)
	if err != nil {
		return nil, err
	}
	lineSnaps, err := p.store.LineSnapshots(ctx, module, headerID)
	if err != nil {
		return nil, err
	}
	matchSnaps, err := p.store.MatchSnapshots(ctx, module, headerID)
	if err != nil {
		return nil, err
	}
	obs.ObserveTrailBuild()
	return audit.BuildAuditTrail(headerSnaps, lineSnaps, matchSnaps, cfg), nil
}

// buildRows derives every nominal and VAT ledger row a posting will
// write. Reads (vat rates, the cashbook) happen here, before the storage
// transaction opens.
func (p *Poster) buildRows(ctx context.Context, header books.Header, profile books.Profile, lines []books.Line, bankNominalID, vatNominalID int, batchID string) ([]books.NominalTransaction, []books.VatTransaction, error) {
	if len(lines) == 0 && profile.Payment && header.CashBookID != 0 {
		nomRows, err := p.buildPaymentPair(ctx, header, bankNominalID, batchID)
		if err != nil {
			return nil, nil, err
		}
		return nomRows, nil, nil
	}
	nomRows := buildNominalRows(header, lines, bankNominalID, vatNominalID, batchID)
	vatRows, err := p.buildVatRows(ctx, header, lines, batchID)
	if err != nil {
		return nil, nil, err
	}
	return nomRows, vatRows, nil
}

// writeLedgerRows creates the planned rows and back-references inside an
// open transaction.
func (p *Poster) writeLedgerRows(ctx context.Context, tx TxStore, module books.Module, profile books.Profile, header books.Header, lines []books.Line, nomRows []books.NominalTransaction, vatRows []books.VatTransaction, result *PostResult) error {
	created, err := tx.CreateNominalTransactions(ctx, nomRows)
	if err != nil {
		return err
	}
	result.NominalTransactions = created
	if err := assignNominalRefs(lines, created); err != nil {
		return err
	}

	if len(vatRows) > 0 {
		createdVat, err := tx.CreateVatTransactions(ctx, vatRows)
		if err != nil {
			return err
		}
		result.VatTransactions = createdVat
		if err := assignVatRefs(lines, createdVat); err != nil {
			return err
		}
	}
	if len(lines) > 0 {
		if err := tx.UpdateLineTransactionRefs(ctx, module, lines); err != nil {
			return err
		}
	}

	if profile.Payment && header.CashBookID != 0 {
		cb, err := tx.CreateCashBookTransaction(ctx, buildCashBookRow(header, result.BatchID))
		if err != nil {
			return err
		}
		result.CashBookTransaction = &cb
	}
	return nil
}

func (p *Poster) deleteLedgerRows(ctx context.Context, tx TxStore, module books.Module, headerID int) error {
	if err := tx.DeleteNominalTransactions(ctx, module, headerID); err != nil {
		return err
	}
	if err := tx.DeleteVatTransactions(ctx, module, headerID); err != nil {
		return err
	}
	return tx.DeleteCashBookTransactions(ctx, module, headerID)
}

// buildNominalRows derives the nominal ledger rows for every non-zero
// line. A line with goods=0 and vat=0 produces nothing.
func buildNominalRows(header books.Header, lines []books.Line, bankNominalID, vatNominalID int, batchID string) []books.NominalTransaction {
	var rows []books.NominalTransaction
	base := books.NominalTransaction{
		Module:   header.Module,
		HeaderID: header.ID,
		Ref:      header.Ref,
		Period:   header.Period,
		Date:     header.Date,
		Type:     header.Type,
		BatchID:  batchID,
	}
	for _, line := range lines {
		if !line.Goods.IsZero() {
			row := base
			row.LineID = line.ID
			row.NominalID = line.NominalID
			row.Value = line.Goods.Neg()
			row.Field = books.FieldGoods
			rows = append(rows, row)
		}
		if !line.Vat.IsZero() {
			row := base
			row.LineID = line.ID
			row.NominalID = vatNominalID
			row.Value = line.Vat.Neg()
			row.Field = books.FieldVat
			rows = append(rows, row)
		}
		if line.IsNonZero() {
			row := base
			row.LineID = line.ID
			row.NominalID = bankNominalID
			row.Value = line.Goods.Add(line.Vat)
			row.Field = books.FieldTotal
			rows = append(rows, row)
		}
	}
	return rows
}

// buildPaymentPair derives the two nominal rows for a payment or refund
// with no analysis lines: the header total against the cashbook's
// nominal at line 1, its negation against the control nominal at line 2.
func (p *Poster) buildPaymentPair(ctx context.Context, header books.Header, controlNominalID int, batchID string) ([]books.NominalTransaction, error) {
	cashBook, err := p.store.GetCashBook(ctx, header.CashBookID)
	if err != nil {
		return nil, err
	}
	base := books.NominalTransaction{
		Module:   header.Module,
		HeaderID: header.ID,
		Ref:      header.Ref,
		Period:   header.Period,
		Date:     header.Date,
		Type:     header.Type,
		Field:    books.FieldTotal,
		BatchID:  batchID,
	}
	bank := base
	bank.LineID = 1
	bank.NominalID = cashBook.NominalID
	bank.Value = header.Total
	control := base
	control.LineID = 2
	control.NominalID = controlNominalID
	control.Value = header.Total.Neg()
	return []books.NominalTransaction{bank, control}, nil
}

// buildVatRows creates one VAT ledger row per line when the header has a
// VAT type, freezing each line's sign-normalized goods and vat.
func (p *Poster) buildVatRows(ctx context.Context, header books.Header, lines []books.Line, batchID string) ([]books.VatTransaction, error) {
	if header.VatType == books.VatTypeNone {
		return nil, nil
	}
	rows := make([]books.VatTransaction, 0, len(lines))
	for _, line := range lines {
		var rate decimal.Decimal
		if line.VatCodeID != 0 {
			code, err := p.store.GetVatCode(ctx, line.VatCodeID)
			if err != nil {
				return nil, err
			}
			rate = code.Rate
		}
		rows = append(rows, books.VatTransaction{
			Module:    header.Module,
			HeaderID:  header.ID,
			LineID:    line.ID,
			Ref:       header.Ref,
			Period:    header.Period,
			Date:      header.Date,
			Field:     books.FieldVat,
			TranType:  header.Type,
			VatType:   header.VatType,
			VatCodeID: line.VatCodeID,
			VatRate:   rate,
			Goods:     line.Goods,
			Vat:       line.Vat,
			BatchID:   batchID,
		})
	}
	return rows, nil
}

func buildCashBookRow(header books.Header, batchID string) books.CashBookTransaction {
	return books.CashBookTransaction{
		Module:     header.Module,
		HeaderID:   header.ID,
		LineID:     1, // the cash effect is one aggregate line per header
		CashBookID: header.CashBookID,
		Value:      header.Total,
		Ref:        header.Ref,
		Period:     header.Period,
		Date:       header.Date,
		Field:      books.FieldTotal,
		Type:       header.Type,
		BatchID:    batchID,
	}
}

// assignNominalRefs writes the generated row ids back onto their lines.
// Rows are taken in ascending line id order, ties broken by insertion
// order, so the (goods, vat, total) assignment per line is deterministic.
func assignNominalRefs(lines []books.Line, rows []books.NominalTransaction) error {
	ordered := make([]books.NominalTransaction, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].LineID < ordered[j].LineID })

	byLine := map[int]map[books.Field]int{}
	for _, row := range ordered {
		if byLine[row.LineID] == nil {
			byLine[row.LineID] = map[books.Field]int{}
		}
		byLine[row.LineID][row.Field] = row.ID
	}
	for i := range lines {
		refs, ok := byLine[lines[i].ID]
		if !ok {
			continue // zero-value line, keeps nil references
		}
		for field, id := range refs {
			id := id
			switch field {
			case books.FieldGoods:
				lines[i].GoodsNominalTransactionID = &id
			case books.FieldVat:
				lines[i].VatNominalTransactionID = &id
			case books.FieldTotal:
				lines[i].TotalNominalTransactionID = &id
			default:
				return fmt.Errorf("unexpected nominal field %q", field)
			}
		}
	}
	return nil
}

// assignVatRefs matches created VAT rows back to their lines, re-sorted
// by line id to pair with the lines' ascending order.
func assignVatRefs(lines []books.Line, rows []books.VatTransaction) error {
	byLine := map[int]int{}
	for _, row := range rows {
		byLine[row.LineID] = row.ID
	}
	for i := range lines {
		if id, ok := byLine[lines[i].ID]; ok {
			id := id
			lines[i].VatTransactionID = &id
		}
	}
	return nil
}
