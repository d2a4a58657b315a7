package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"ledgerbook.org/internal/accounting"
	"ledgerbook.org/internal/audit"
	"ledgerbook.org/internal/books"
	"ledgerbook.org/internal/obs"
	"ledgerbook.org/internal/posting"
	"ledgerbook.org/internal/store/pg"
)

// store is what the smoke run needs beyond the posting engine's own
// interface: both the in-memory and Postgres stores provide the audited
// write surface.
type store interface {
	posting.Store
	CreateHeader(ctx context.Context, h books.Header) (books.Header, error)
	CreateLines(ctx context.Context, module books.Module, headerID int, lines []books.Line) ([]books.Line, error)
}

type chart struct {
	bank       int
	expense    int
	vatControl int
	vatCode    int
	cashBook   int
}

// Set via -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	log.SetFlags(0)
	_ = godotenv.Load()
	obs.Init()
	obs.InitBuildInfo(version, commit)
	if addr := os.Getenv("LEDGERBOOK_METRICS_ADDR"); addr != "" {
		go func() {
			if err := http.ListenAndServe(addr, obs.Handler()); err != nil {
				log.Printf("metrics listener: %v", err)
			}
		}()
	}

	var (
		s  store
		ch chart
	)
	if dsn := os.Getenv("LEDGERBOOK_PG_DSN"); dsn != "" {
		pgs, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer pgs.Close()
		ch, err = seededChart(pgs.DB())
		if err != nil {
			log.Fatalf("read chart of accounts: %v", err)
		}
		s = pgs
	} else {
		mem := posting.NewInMemory()
		ch = chart{
			bank:       mem.AddNominal("Bank Account", 0).ID,
			expense:    mem.AddNominal("Sundry Expenses", 0).ID,
			vatControl: mem.AddNominal("Vat Control", 0).ID,
			vatCode:    mem.AddVatCode("1", "Standard Rate", decimal.NewFromInt(20)).ID,
		}
		ch.cashBook = mem.AddCashBook("Current Account", ch.bank).ID
		s = mem
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ctx = audit.WithUser(ctx, "smoke")

	now := time.Now().UTC()
	header, err := s.CreateHeader(ctx, books.Header{
		Type:       "cp",
		Ref:        fmt.Sprintf("smoke-%d", now.UnixNano()),
		Date:       now,
		Period:     accounting.MustParse(now.Format("200601")),
		Goods:      decimal.NewFromInt(100),
		Vat:        decimal.NewFromInt(20),
		Total:      decimal.NewFromInt(120),
		VatType:    books.VatTypeInput,
		CashBookID: ch.cashBook,
	})
	if err != nil {
		log.Fatalf("create header: %v", err)
	}
	_, err = s.CreateLines(ctx, books.ModuleCashBook, header.ID, []books.Line{{
		Description: "stationery",
		Goods:       decimal.NewFromInt(100),
		Vat:         decimal.NewFromInt(20),
		NominalID:   ch.expense,
		VatCodeID:   ch.vatCode,
	}})
	if err != nil {
		log.Fatalf("create lines: %v", err)
	}

	poster := posting.New(s)
	res, err := poster.Post(ctx, books.ModuleCashBook, header.ID, ch.bank, ch.vatControl)
	if err != nil {
		log.Fatalf("post: %v", err)
	}
	if len(res.NominalTransactions) != 3 {
		log.Fatalf("expected 3 nominal rows, got %d", len(res.NominalTransactions))
	}
	var sum decimal.Decimal
	for _, row := range res.NominalTransactions {
		sum = sum.Add(row.Value)
	}
	if !sum.IsZero() {
		log.Fatalf("double entry broken: nominal rows sum to %s", sum)
	}
	if res.CashBookTransaction == nil {
		log.Fatal("expected a cashbook row")
	}
	if !res.CashBookTransaction.Value.Equal(decimal.NewFromInt(-120)) {
		log.Fatalf("cashbook row carries %s, want -120", res.CashBookTransaction.Value)
	}

	voided, err := poster.Void(ctx, books.ModuleCashBook, header.ID)
	if err != nil {
		log.Fatalf("void: %v", err)
	}
	if !voided.IsVoid() {
		log.Fatalf("header status = %q after void", voided.Status)
	}
	lines, err := s.GetLines(ctx, books.ModuleCashBook, header.ID)
	if err != nil {
		log.Fatalf("reread lines: %v", err)
	}
	for _, l := range lines {
		if l.GoodsNominalTransactionID != nil || l.VatTransactionID != nil {
			log.Fatalf("void left references on line %d", l.LineNo)
		}
	}

	trail, err := poster.AuditTrail(ctx, books.ModuleCashBook, header.ID)
	if err != nil {
		log.Fatalf("audit trail: %v", err)
	}

	fmt.Printf("✅ posting smoke test passed: header=%d batch=%s changes=%d\n",
		header.ID, res.BatchID, len(trail))
}

func seededChart(db *sql.DB) (chart, error) {
	var ch chart
	lookups := []struct {
		dst   *int
		query string
		arg   string
	}{
		{&ch.bank, `select id from nominals where name=$1`, "Bank Account"},
		{&ch.expense, `select id from nominals where name=$1`, "Sundry Expenses"},
		{&ch.vatControl, `select id from nominals where name=$1`, "Vat Control"},
		{&ch.vatCode, `select id from vat_codes where code=$1`, "1"},
		{&ch.cashBook, `select id from cashbooks where name=$1`, "Current Account"},
	}
	for _, l := range lookups {
		if err := db.QueryRow(l.query, l.arg).Scan(l.dst); err != nil {
			return chart{}, fmt.Errorf("%s %q: %w", l.query, l.arg, err)
		}
	}
	return ch, nil
}
