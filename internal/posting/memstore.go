package posting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ledgerbook.org/internal/audit"
	"ledgerbook.org/internal/books"
	"ledgerbook.org/internal/ids"
)

type headerKey struct {
	module books.Module
	id     int
}

// InMemory implements Store with in-process concurrency safety. It backs
// the engine tests and works as an MVP backend; swap in the Postgres
// store for durability. Every mutation of a header, line or match appends
// a snapshot, so the audit trail works end-to-end without a database.
type InMemory struct {
	mu  sync.Mutex
	seq int

	headers     map[headerKey]books.Header
	lines       map[int]books.Line
	headerLines map[headerKey][]int // every line id that ever existed

	nominals  map[int]books.Nominal
	vatCodes  map[int]books.VatCode
	cashBooks map[int]books.CashBook

	nomTrans map[int]books.NominalTransaction
	vatTrans map[int]books.VatTransaction
	cbTrans  map[int]books.CashBookTransaction

	matches       map[int]books.Match
	headerMatches map[headerKey][]int

	headerSnaps map[headerKey][]audit.Snapshot
	lineSnaps   map[int][]audit.Snapshot
	matchSnaps  map[int][]audit.Snapshot
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty set of books.
func NewInMemory() *InMemory {
	return &InMemory{
		headers:       make(map[headerKey]books.Header),
		lines:         make(map[int]books.Line),
		headerLines:   make(map[headerKey][]int),
		nominals:      make(map[int]books.Nominal),
		vatCodes:      make(map[int]books.VatCode),
		cashBooks:     make(map[int]books.CashBook),
		nomTrans:      make(map[int]books.NominalTransaction),
		vatTrans:      make(map[int]books.VatTransaction),
		cbTrans:       make(map[int]books.CashBookTransaction),
		matches:       make(map[int]books.Match),
		headerMatches: make(map[headerKey][]int),
		headerSnaps:   make(map[headerKey][]audit.Snapshot),
		lineSnaps:     make(map[int][]audit.Snapshot),
		matchSnaps:    make(map[int][]audit.Snapshot),
	}
}

func (s *InMemory) nextID() int {
	s.seq++
	return s.seq
}

// AddNominal registers a general ledger account.
func (s *InMemory) AddNominal(name string, parentID int) books.Nominal {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := books.Nominal{ID: s.nextID(), Name: name, ParentID: parentID}
	s.nominals[n.ID] = n
	return n
}

// AddVatCode registers a VAT rate.
func (s *InMemory) AddVatCode(code, name string, rate decimal.Decimal) books.VatCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := books.VatCode{ID: s.nextID(), Code: code, Name: name, Rate: rate, Registered: true}
	s.vatCodes[v.ID] = v
	return v
}

// AddCashBook registers a cash book and its mirroring nominal.
func (s *InMemory) AddCashBook(name string, nominalID int) books.CashBook {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb := books.CashBook{ID: s.nextID(), Name: name, NominalID: nominalID}
	s.cashBooks[cb.ID] = cb
	return cb
}

// CreateHeader persists a header whose money fields carry the magnitudes
// the user entered; they are sign-normalized here, at creation, by the
// module convention, and never renormalized afterwards except through a
// full edit.
func (s *InMemory) CreateHeader(ctx context.Context, h books.Header) (books.Header, error) {
	profile, err := books.Lookup(h.Type)
	if err != nil {
		return books.Header{}, err
	}
	normalizeHeader(&h, profile)
	s.mu.Lock()
	defer s.mu.Unlock()

	h.ID = s.nextID()
	h.Module = profile.Module
	h.Status = books.StatusCleared
	h.CreatedAt = time.Now().UTC()
	key := headerKey{h.Module, h.ID}
	s.headers[key] = h
	s.appendHeaderSnap(ctx, key, audit.HistoryCreate, h)
	return h, nil
}

// UpdateHeader rewrites a header from user-entered magnitudes,
// renormalizing the money fields, and records an update snapshot.
func (s *InMemory) UpdateHeader(ctx context.Context, h books.Header) (books.Header, error) {
	profile, err := books.Lookup(h.Type)
	if err != nil {
		return books.Header{}, err
	}
	normalizeHeader(&h, profile)
	s.mu.Lock()
	defer s.mu.Unlock()

	key := headerKey{profile.Module, h.ID}
	existing, ok := s.headers[key]
	if !ok {
		return books.Header{}, books.ErrNotFound
	}
	h.Module = existing.Module
	h.Status = existing.Status
	h.CreatedAt = existing.CreatedAt
	s.headers[key] = h
	s.appendHeaderSnap(ctx, key, audit.HistoryUpdate, h)
	return h, nil
}

// CreateLines persists a header's lines in input order, assigning 1-based
// line numbers and sign-normalizing each line's goods and vat.
func (s *InMemory) CreateLines(ctx context.Context, module books.Module, headerID int, input []books.Line) ([]books.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := headerKey{module, headerID}
	header, ok := s.headers[key]
	if !ok {
		return nil, books.ErrNotFound
	}
	out := make([]books.Line, 0, len(input))
	for i, l := range input {
		goods, vat, err := books.NormalizeSign(header.Type, l.Goods, l.Vat)
		if err != nil {
			return nil, err
		}
		l.ID = s.nextID()
		l.HeaderID = headerID
		l.LineNo = i + 1
		l.Type = header.Type
		l.Goods = goods
		l.Vat = vat
		l.ClearTransactionRefs()
		s.lines[l.ID] = l
		s.headerLines[key] = append(s.headerLines[key], l.ID)
		s.appendLineSnap(ctx, l.ID, audit.HistoryCreate, l)
		out = append(out, l)
	}
	return out, nil
}

// UpdateLine rewrites one line from user-entered magnitudes and records
// an update snapshot.
func (s *InMemory) UpdateLine(ctx context.Context, module books.Module, l books.Line) (books.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.lines[l.ID]
	if !ok {
		return books.Line{}, books.ErrNotFound
	}
	goods, vat, err := books.NormalizeSign(existing.Type, l.Goods, l.Vat)
	if err != nil {
		return books.Line{}, err
	}
	existing.LineNo = l.LineNo
	existing.Description = l.Description
	existing.Goods = goods
	existing.Vat = vat
	existing.NominalID = l.NominalID
	existing.VatCodeID = l.VatCodeID
	s.lines[existing.ID] = existing
	s.appendLineSnap(ctx, existing.ID, audit.HistoryUpdate, existing)
	return existing, nil
}

// DeleteLine removes a line, recording a deletion snapshot first so the
// audit trail keeps its full history.
func (s *InMemory) DeleteLine(ctx context.Context, module books.Module, lineID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lines[lineID]
	if !ok {
		return books.ErrNotFound
	}
	s.appendLineSnap(ctx, lineID, audit.HistoryDelete, l)
	delete(s.lines, lineID)
	return nil
}

// CreateMatch records a settlement link between two headers.
func (s *InMemory) CreateMatch(ctx context.Context, module books.Module, m books.Match) (books.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = s.nextID()
	m.Module = module
	m.CreatedAt = time.Now().UTC()
	s.matches[m.ID] = m
	for _, h := range []int{m.MatchedByID, m.MatchedToID} {
		key := headerKey{module, h}
		s.headerMatches[key] = append(s.headerMatches[key], m.ID)
	}
	s.appendMatchSnap(ctx, m.ID, audit.HistoryCreate, m)
	return m, nil
}

func (s *InMemory) GetHeader(ctx context.Context, module books.Module, headerID int) (books.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.headers[headerKey{module, headerID}]
	if !ok {
		return books.Header{}, books.ErrNotFound
	}
	return h, nil
}

func (s *InMemory) GetLines(ctx context.Context, module books.Module, headerID int) ([]books.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []books.Line
	for _, id := range s.headerLines[headerKey{module, headerID}] {
		if l, ok := s.lines[id]; ok {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineNo < out[j].LineNo })
	return out, nil
}

func (s *InMemory) GetVatCode(ctx context.Context, id int) (books.VatCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vatCodes[id]
	if !ok {
		return books.VatCode{}, books.ErrNotFound
	}
	return v, nil
}

func (s *InMemory) GetCashBook(ctx context.Context, id int) (books.CashBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.cashBooks[id]
	if !ok {
		return books.CashBook{}, books.ErrNotFound
	}
	return cb, nil
}

// NominalTransactionsFor returns the nominal rows generated for a header,
// ordered by id.
func (s *InMemory) NominalTransactionsFor(module books.Module, headerID int) []books.NominalTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []books.NominalTransaction
	for _, row := range s.nomTrans {
		if row.Module == module && row.HeaderID == headerID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VatTransactionsFor returns the VAT rows generated for a header.
func (s *InMemory) VatTransactionsFor(module books.Module, headerID int) []books.VatTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []books.VatTransaction
	for _, row := range s.vatTrans {
		if row.Module == module && row.HeaderID == headerID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CashBookTransactionsFor returns the cashbook rows generated for a header.
func (s *InMemory) CashBookTransactionsFor(module books.Module, headerID int) []books.CashBookTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []books.CashBookTransaction
	for _, row := range s.cbTrans {
		if row.Module == module && row.HeaderID == headerID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InTransaction runs fn against a transactional view. On error the whole
// state is restored, so a partial post is never observable.
func (s *InMemory) InTransaction(ctx context.Context, fn func(tx TxStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.cloneState()
	if err := fn(&memTx{s: s, ctx: ctx}); err != nil {
		s.restoreState(saved)
		return err
	}
	return nil
}

func (s *InMemory) HeaderSnapshots(ctx context.Context, module books.Module, headerID int) ([]audit.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.headerSnaps[headerKey{module, headerID}]
	out := make([]audit.Snapshot, len(snaps))
	copy(out, snaps)
	return out, nil
}

func (s *InMemory) LineSnapshots(ctx context.Context, module books.Module, headerID int) (map[int][]audit.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int][]audit.Snapshot)
	for _, id := range s.headerLines[headerKey{module, headerID}] {
		if snaps := s.lineSnaps[id]; len(snaps) > 0 {
			group := make([]audit.Snapshot, len(snaps))
			copy(group, snaps)
			out[id] = group
		}
	}
	return out, nil
}

func (s *InMemory) MatchSnapshots(ctx context.Context, module books.Module, headerID int) (map[int][]audit.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int][]audit.Snapshot)
	for _, id := range s.headerMatches[headerKey{module, headerID}] {
		if snaps := s.matchSnaps[id]; len(snaps) > 0 {
			group := make([]audit.Snapshot, len(snaps))
			copy(group, snaps)
			out[id] = group
		}
	}
	return out, nil
}

// memTx is the mutating view handed to InTransaction callbacks. The
// store's mutex is already held; these methods must not lock.
type memTx struct {
	s   *InMemory
	ctx context.Context
}

var _ TxStore = (*memTx)(nil)

// LockHeader only verifies existence; the store mutex already serializes
// whole transactions.
func (t *memTx) LockHeader(ctx context.Context, module books.Module, headerID int) error {
	if _, ok := t.s.headers[headerKey{module, headerID}]; !ok {
		return books.ErrNotFound
	}
	return nil
}

func (t *memTx) CreateNominalTransactions(ctx context.Context, rows []books.NominalTransaction) ([]books.NominalTransaction, error) {
	out := make([]books.NominalTransaction, 0, len(rows))
	for _, row := range rows {
		row.ID = t.s.nextID()
		row.CreatedAt = time.Now().UTC()
		t.s.nomTrans[row.ID] = row
		out = append(out, row)
	}
	return out, nil
}

func (t *memTx) CreateVatTransactions(ctx context.Context, rows []books.VatTransaction) ([]books.VatTransaction, error) {
	out := make([]books.VatTransaction, 0, len(rows))
	for _, row := range rows {
		row.ID = t.s.nextID()
		row.CreatedAt = time.Now().UTC()
		t.s.vatTrans[row.ID] = row
		out = append(out, row)
	}
	return out, nil
}

func (t *memTx) CreateCashBookTransaction(ctx context.Context, row books.CashBookTransaction) (books.CashBookTransaction, error) {
	for _, existing := range t.s.cbTrans {
		if existing.Module == row.Module && existing.HeaderID == row.HeaderID &&
			existing.LineID == row.LineID && existing.Field == row.Field {
			return books.CashBookTransaction{}, fmt.Errorf("duplicate cashbook row for header %d", row.HeaderID)
		}
	}
	row.ID = t.s.nextID()
	row.CreatedAt = time.Now().UTC()
	t.s.cbTrans[row.ID] = row
	return row, nil
}

// UpdateLineTransactionRefs bulk-updates only the four generated-row
// references, the way a field-list bulk update would.
func (t *memTx) UpdateLineTransactionRefs(ctx context.Context, module books.Module, lines []books.Line) error {
	for _, l := range lines {
		existing, ok := t.s.lines[l.ID]
		if !ok || existing.HeaderID != l.HeaderID {
			return fmt.Errorf("%w: line %d", ErrAlternativeStore, l.ID)
		}
		existing.GoodsNominalTransactionID = l.GoodsNominalTransactionID
		existing.VatNominalTransactionID = l.VatNominalTransactionID
		existing.TotalNominalTransactionID = l.TotalNominalTransactionID
		existing.VatTransactionID = l.VatTransactionID
		t.s.lines[existing.ID] = existing
	}
	return nil
}

func (t *memTx) DeleteNominalTransactions(ctx context.Context, module books.Module, headerID int) error {
	for id, row := range t.s.nomTrans {
		if row.Module == module && row.HeaderID == headerID {
			delete(t.s.nomTrans, id)
		}
	}
	return nil
}

func (t *memTx) DeleteVatTransactions(ctx context.Context, module books.Module, headerID int) error {
	for id, row := range t.s.vatTrans {
		if row.Module == module && row.HeaderID == headerID {
			delete(t.s.vatTrans, id)
		}
	}
	return nil
}

func (t *memTx) DeleteCashBookTransactions(ctx context.Context, module books.Module, headerID int) error {
	for id, row := range t.s.cbTrans {
		if row.Module == module && row.HeaderID == headerID {
			delete(t.s.cbTrans, id)
		}
	}
	return nil
}

func (t *memTx) SetHeaderStatus(ctx context.Context, module books.Module, headerID int, status books.Status) error {
	key := headerKey{module, headerID}
	h, ok := t.s.headers[key]
	if !ok {
		return books.ErrNotFound
	}
	h.Status = status
	t.s.headers[key] = h
	t.s.appendHeaderSnap(t.ctx, key, audit.HistoryUpdate, h)
	return nil
}

func normalizeHeader(h *books.Header, profile books.Profile) {
	if profile.IsNegative() {
		h.Goods = h.Goods.Neg()
		h.Vat = h.Vat.Neg()
		h.Total = h.Total.Neg()
		h.Paid = h.Paid.Neg()
		h.Due = h.Due.Neg()
	}
}

func (s *InMemory) appendHeaderSnap(ctx context.Context, key headerKey, ht audit.HistoryType, h books.Header) {
	s.headerSnaps[key] = append(s.headerSnaps[key], audit.Snapshot{
		ID:          ids.New(),
		HistoryType: ht,
		Date:        time.Now().UTC(),
		User:        audit.UserFromContext(ctx),
		ObjectPK:    fmt.Sprint(h.ID),
		Fields:      books.HeaderSnapshotFields(h),
	})
}

func (s *InMemory) appendLineSnap(ctx context.Context, lineID int, ht audit.HistoryType, l books.Line) {
	s.lineSnaps[lineID] = append(s.lineSnaps[lineID], audit.Snapshot{
		ID:          ids.New(),
		HistoryType: ht,
		Date:        time.Now().UTC(),
		User:        audit.UserFromContext(ctx),
		ObjectPK:    fmt.Sprint(l.ID),
		Fields:      books.LineSnapshotFields(l),
	})
}

func (s *InMemory) appendMatchSnap(ctx context.Context, matchID int, ht audit.HistoryType, m books.Match) {
	s.matchSnaps[matchID] = append(s.matchSnaps[matchID], audit.Snapshot{
		ID:          ids.New(),
		HistoryType: ht,
		Date:        time.Now().UTC(),
		User:        audit.UserFromContext(ctx),
		ObjectPK:    fmt.Sprint(m.ID),
		Fields:      books.MatchSnapshotFields(m),
	})
}

type memState struct {
	headers     map[headerKey]books.Header
	lines       map[int]books.Line
	nomTrans    map[int]books.NominalTransaction
	vatTrans    map[int]books.VatTransaction
	cbTrans     map[int]books.CashBookTransaction
	headerSnaps map[headerKey][]audit.Snapshot
}

func (s *InMemory) cloneState() memState {
	st := memState{
		headers:     make(map[headerKey]books.Header, len(s.headers)),
		lines:       make(map[int]books.Line, len(s.lines)),
		nomTrans:    make(map[int]books.NominalTransaction, len(s.nomTrans)),
		vatTrans:    make(map[int]books.VatTransaction, len(s.vatTrans)),
		cbTrans:     make(map[int]books.CashBookTransaction, len(s.cbTrans)),
		headerSnaps: make(map[headerKey][]audit.Snapshot, len(s.headerSnaps)),
	}
	for k, v := range s.headers {
		st.headers[k] = v
	}
	for k, v := range s.lines {
		st.lines[k] = v
	}
	for k, v := range s.nomTrans {
		st.nomTrans[k] = v
	}
	for k, v := range s.vatTrans {
		st.vatTrans[k] = v
	}
	for k, v := range s.cbTrans {
		st.cbTrans[k] = v
	}
	for k, v := range s.headerSnaps {
		snaps := make([]audit.Snapshot, len(v))
		copy(snaps, v)
		st.headerSnaps[k] = snaps
	}
	return st
}

func (s *InMemory) restoreState(st memState) {
	s.headers = st.headers
	s.lines = st.lines
	s.nomTrans = st.nomTrans
	s.vatTrans = st.vatTrans
	s.cbTrans = st.cbTrans
	s.headerSnaps = st.headerSnaps
}
