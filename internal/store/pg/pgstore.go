package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"ledgerbook.org/internal/accounting"
	"ledgerbook.org/internal/audit"
	"ledgerbook.org/internal/books"
	"ledgerbook.org/internal/ids"
	"ledgerbook.org/internal/posting"
)

// Store is the Postgres implementation of posting.Store. Snapshots are
// written in the same transaction as the rows they describe, so the audit
// history can never drift from the books.
type Store struct {
	db *sql.DB
}

var _ posting.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const headerCols = `id, module, type, ref, date, due_date, goods, vat, total, paid, due,
	status, period, vat_type, cash_book_id, supplier_id, customer_id, created_at`

func (s *Store) GetHeader(ctx context.Context, module books.Module, headerID int) (books.Header, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+headerCols+`
		from headers where module=$1 and id=$2
	`, module, headerID)
	return scanHeader(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHeader(row rowScanner) (books.Header, error) {
	var (
		h       books.Header
		dueDate sql.NullTime
		period  string
		cbID    sql.NullInt64
		supID   sql.NullInt64
		custID  sql.NullInt64
	)
	err := row.Scan(&h.ID, &h.Module, &h.Type, &h.Ref, &h.Date, &dueDate,
		&h.Goods, &h.Vat, &h.Total, &h.Paid, &h.Due,
		&h.Status, &period, &h.VatType, &cbID, &supID, &custID, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return books.Header{}, books.ErrNotFound
	}
	if err != nil {
		return books.Header{}, err
	}
	if dueDate.Valid {
		d := dueDate.Time
		h.DueDate = &d
	}
	h.Period, err = accounting.Parse(period)
	if err != nil {
		return books.Header{}, fmt.Errorf("header %d: %w", h.ID, err)
	}
	h.CashBookID = int(cbID.Int64)
	h.SupplierID = int(supID.Int64)
	h.CustomerID = int(custID.Int64)
	return h, nil
}

func (s *Store) GetLines(ctx context.Context, module books.Module, headerID int) ([]books.Line, error) {
	rows, err := s.db.QueryContext(ctx, `
		select l.id, l.header_id, l.line_no, l.description, l.goods, l.vat,
			l.nominal_id, l.vat_code_id, l.type,
			l.goods_nominal_transaction_id, l.vat_nominal_transaction_id,
			l.total_nominal_transaction_id, l.vat_transaction_id
		from lines l
		join headers h on h.id = l.header_id
		where h.module=$1 and l.header_id=$2
		order by l.line_no
	`, module, headerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []books.Line
	for rows.Next() {
		var l books.Line
		var nomID, vcID, gRef, vRef, tRef, vtRef sql.NullInt64
		if err := rows.Scan(&l.ID, &l.HeaderID, &l.LineNo, &l.Description,
			&l.Goods, &l.Vat, &nomID, &vcID, &l.Type,
			&gRef, &vRef, &tRef, &vtRef); err != nil {
			return nil, err
		}
		l.NominalID = int(nomID.Int64)
		l.VatCodeID = int(vcID.Int64)
		l.GoodsNominalTransactionID = nullableRef(gRef)
		l.VatNominalTransactionID = nullableRef(vRef)
		l.TotalNominalTransactionID = nullableRef(tRef)
		l.VatTransactionID = nullableRef(vtRef)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) GetVatCode(ctx context.Context, id int) (books.VatCode, error) {
	var v books.VatCode
	err := s.db.QueryRowContext(ctx, `
		select id, code, name, rate, registered from vat_codes where id=$1
	`, id).Scan(&v.ID, &v.Code, &v.Name, &v.Rate, &v.Registered)
	if errors.Is(err, sql.ErrNoRows) {
		return books.VatCode{}, books.ErrNotFound
	}
	return v, err
}

func (s *Store) GetCashBook(ctx context.Context, id int) (books.CashBook, error) {
	var cb books.CashBook
	var nomID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		select id, name, nominal_id from cashbooks where id=$1
	`, id).Scan(&cb.ID, &cb.Name, &nomID)
	if errors.Is(err, sql.ErrNoRows) {
		return books.CashBook{}, books.ErrNotFound
	}
	cb.NominalID = int(nomID.Int64)
	return cb, err
}

// CreateHeader inserts a header from user-entered magnitudes,
// sign-normalizing the money fields and writing the create snapshot in
// the same transaction.
func (s *Store) CreateHeader(ctx context.Context, h books.Header) (books.Header, error) {
	profile, err := books.Lookup(h.Type)
	if err != nil {
		return books.Header{}, err
	}
	if profile.IsNegative() {
		h.Goods = h.Goods.Neg()
		h.Vat = h.Vat.Neg()
		h.Total = h.Total.Neg()
		h.Paid = h.Paid.Neg()
		h.Due = h.Due.Neg()
	}
	h.Module = profile.Module
	h.Status = books.StatusCleared
	h.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return books.Header{}, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		insert into headers(module, type, ref, date, due_date, goods, vat, total, paid, due,
			status, period, vat_type, cash_book_id, supplier_id, customer_id, created_at)
		values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,nullif($14,0),nullif($15,0),nullif($16,0),$17)
		returning id
	`, h.Module, h.Type, h.Ref, h.Date, h.DueDate, h.Goods, h.Vat, h.Total, h.Paid, h.Due,
		h.Status, h.Period.String(), h.VatType, h.CashBookID, h.SupplierID, h.CustomerID,
		h.CreatedAt).Scan(&h.ID)
	if err != nil {
		return books.Header{}, err
	}
	if err := insertSnapshot(ctx, tx, snapshotRow{
		objectType: "header",
		module:     h.Module,
		headerID:   h.ID,
		objectPK:   h.ID,
		history:    audit.HistoryCreate,
		user:       audit.UserFromContext(ctx),
		fields:     books.HeaderSnapshotFields(h),
	}); err != nil {
		return books.Header{}, err
	}
	if err := tx.Commit(); err != nil {
		return books.Header{}, err
	}
	return h, nil
}

// CreateLines inserts a header's lines in input order with 1-based line
// numbers, sign-normalized, each with its create snapshot.
func (s *Store) CreateLines(ctx context.Context, module books.Module, headerID int, input []books.Line) ([]books.Line, error) {
	header, err := s.GetHeader(ctx, module, headerID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]books.Line, 0, len(input))
	for i, l := range input {
		goods, vat, err := books.NormalizeSign(header.Type, l.Goods, l.Vat)
		if err != nil {
			return nil, err
		}
		l.HeaderID = headerID
		l.LineNo = i + 1
		l.Type = header.Type
		l.Goods = goods
		l.Vat = vat
		l.ClearTransactionRefs()

		err = tx.QueryRowContext(ctx, `
			insert into lines(header_id, line_no, description, goods, vat, nominal_id, vat_code_id, type)
			values($1,$2,$3,$4,$5,nullif($6,0),nullif($7,0),$8)
			returning id
		`, l.HeaderID, l.LineNo, l.Description, l.Goods, l.Vat, l.NominalID, l.VatCodeID, l.Type).Scan(&l.ID)
		if err != nil {
			return nil, err
		}
		if err := insertSnapshot(ctx, tx, snapshotRow{
			objectType: "line",
			module:     module,
			headerID:   headerID,
			objectPK:   l.ID,
			history:    audit.HistoryCreate,
			user:       audit.UserFromContext(ctx),
			fields:     books.LineSnapshotFields(l),
		}); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// InTransaction runs fn inside one database transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(tx posting.TxStore) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) HeaderSnapshots(ctx context.Context, module books.Module, headerID int) ([]audit.Snapshot, error) {
	rows, err := s.querySnapshots(ctx, "header", module, headerID)
	if err != nil {
		return nil, err
	}
	var out []audit.Snapshot
	for _, snap := range rows {
		out = append(out, snap.Snapshot)
	}
	return out, nil
}

func (s *Store) LineSnapshots(ctx context.Context, module books.Module, headerID int) (map[int][]audit.Snapshot, error) {
	return s.groupedSnapshots(ctx, "line", module, headerID)
}

func (s *Store) MatchSnapshots(ctx context.Context, module books.Module, headerID int) (map[int][]audit.Snapshot, error) {
	return s.groupedSnapshots(ctx, "match", module, headerID)
}

type keyedSnapshot struct {
	audit.Snapshot
	pk int
}

// querySnapshots keys snapshots by header_id rather than object_pk, so
// lines and matches deleted since are still returned.
func (s *Store) querySnapshots(ctx context.Context, objectType string, module books.Module, headerID int) ([]keyedSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, object_pk, history_type, date, username, fields
		from snapshots
		where object_type=$1 and module=$2 and header_id=$3
		order by date, id
	`, objectType, module, headerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []keyedSnapshot
	for rows.Next() {
		var (
			snap   keyedSnapshot
			fields []byte
		)
		if err := rows.Scan(&snap.ID, &snap.pk, &snap.HistoryType, &snap.Date, &snap.User, &fields); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(fields, &snap.Fields); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", snap.ID, err)
		}
		snap.ObjectPK = fmt.Sprint(snap.pk)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *Store) groupedSnapshots(ctx context.Context, objectType string, module books.Module, headerID int) (map[int][]audit.Snapshot, error) {
	rows, err := s.querySnapshots(ctx, objectType, module, headerID)
	if err != nil {
		return nil, err
	}
	out := make(map[int][]audit.Snapshot)
	for _, snap := range rows {
		out[snap.pk] = append(out[snap.pk], snap.Snapshot)
	}
	return out, nil
}

// Tx is the mutating surface inside one database transaction.
type Tx struct {
	tx *sql.Tx
}

var _ posting.TxStore = (*Tx)(nil)

// LockHeader takes the row lock that serializes concurrent posts, voids
// and edits of one header.
func (t *Tx) LockHeader(ctx context.Context, module books.Module, headerID int) error {
	var dummy int
	err := t.tx.QueryRowContext(ctx,
		`select 1 from headers where module=$1 and id=$2 for update`,
		module, headerID).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return books.ErrNotFound
	}
	return err
}

func (t *Tx) CreateNominalTransactions(ctx context.Context, rows []books.NominalTransaction) ([]books.NominalTransaction, error) {
	out := make([]books.NominalTransaction, 0, len(rows))
	for _, row := range rows {
		row.CreatedAt = time.Now().UTC()
		err := t.tx.QueryRowContext(ctx, `
			insert into nominal_transactions(module, header_id, line_id, nominal_id, value,
				ref, period, date, field, type, batch_id, created_at)
			values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			returning id
		`, row.Module, row.HeaderID, row.LineID, row.NominalID, row.Value,
			row.Ref, row.Period.String(), row.Date, row.Field, row.Type, row.BatchID,
			row.CreatedAt).Scan(&row.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (t *Tx) CreateVatTransactions(ctx context.Context, rows []books.VatTransaction) ([]books.VatTransaction, error) {
	out := make([]books.VatTransaction, 0, len(rows))
	for _, row := range rows {
		row.CreatedAt = time.Now().UTC()
		err := t.tx.QueryRowContext(ctx, `
			insert into vat_transactions(module, header_id, line_id, ref, period, date, field,
				tran_type, vat_type, vat_code_id, vat_rate, goods, vat, batch_id, created_at)
			values($1,$2,$3,$4,$5,$6,$7,$8,$9,nullif($10,0),$11,$12,$13,$14,$15)
			returning id
		`, row.Module, row.HeaderID, row.LineID, row.Ref, row.Period.String(), row.Date, row.Field,
			row.TranType, row.VatType, row.VatCodeID, row.VatRate, row.Goods, row.Vat,
			row.BatchID, row.CreatedAt).Scan(&row.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (t *Tx) CreateCashBookTransaction(ctx context.Context, row books.CashBookTransaction) (books.CashBookTransaction, error) {
	row.CreatedAt = time.Now().UTC()
	err := t.tx.QueryRowContext(ctx, `
		insert into cashbook_transactions(module, header_id, line_id, cash_book_id, value,
			ref, period, date, field, type, batch_id, created_at)
		values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		returning id
	`, row.Module, row.HeaderID, row.LineID, row.CashBookID, row.Value,
		row.Ref, row.Period.String(), row.Date, row.Field, row.Type, row.BatchID,
		row.CreatedAt).Scan(&row.ID)
	if err != nil {
		return books.CashBookTransaction{}, err
	}
	return row, nil
}

func (t *Tx) UpdateLineTransactionRefs(ctx context.Context, module books.Module, lines []books.Line) error {
	for _, l := range lines {
		res, err := t.tx.ExecContext(ctx, `
			update lines set
				goods_nominal_transaction_id=$3,
				vat_nominal_transaction_id=$4,
				total_nominal_transaction_id=$5,
				vat_transaction_id=$6
			where id=$1 and header_id=$2
		`, l.ID, l.HeaderID, l.GoodsNominalTransactionID, l.VatNominalTransactionID,
			l.TotalNominalTransactionID, l.VatTransactionID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: line %d", posting.ErrAlternativeStore, l.ID)
		}
	}
	return nil
}

func (t *Tx) DeleteNominalTransactions(ctx context.Context, module books.Module, headerID int) error {
	_, err := t.tx.ExecContext(ctx,
		`delete from nominal_transactions where module=$1 and header_id=$2`, module, headerID)
	return err
}

func (t *Tx) DeleteVatTransactions(ctx context.Context, module books.Module, headerID int) error {
	_, err := t.tx.ExecContext(ctx,
		`delete from vat_transactions where module=$1 and header_id=$2`, module, headerID)
	return err
}

func (t *Tx) DeleteCashBookTransactions(ctx context.Context, module books.Module, headerID int) error {
	_, err := t.tx.ExecContext(ctx,
		`delete from cashbook_transactions where module=$1 and header_id=$2`, module, headerID)
	return err
}

// SetHeaderStatus flips the status and writes the update snapshot in the
// same transaction, keeping the audit history in step with the books.
func (t *Tx) SetHeaderStatus(ctx context.Context, module books.Module, headerID int, status books.Status) error {
	row := t.tx.QueryRowContext(ctx, `
		update headers set status=$3
		where module=$1 and id=$2
		returning `+headerCols+`
	`, module, headerID, status)
	h, err := scanHeader(row)
	if err != nil {
		return err
	}
	return insertSnapshot(ctx, t.tx, snapshotRow{
		objectType: "header",
		module:     module,
		headerID:   headerID,
		objectPK:   headerID,
		history:    audit.HistoryUpdate,
		user:       audit.UserFromContext(ctx),
		fields:     books.HeaderSnapshotFields(h),
	})
}

type snapshotRow struct {
	objectType string
	module     books.Module
	headerID   int
	objectPK   int
	history    audit.HistoryType
	user       string
	fields     map[string]string
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSnapshot(ctx context.Context, db execer, snap snapshotRow) error {
	fields, err := json.Marshal(snap.fields)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		insert into snapshots(id, object_type, module, header_id, object_pk, history_type, date, username, fields)
		values($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, ids.New(), snap.objectType, snap.module, snap.headerID, snap.objectPK,
		snap.history, time.Now().UTC(), snap.user, fields)
	return err
}

func nullableRef(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
