package ingest

import (
	"context"
	"database/sql/driver"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cost-watchdog/backend/internal/connector"
	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/crypto"
	"github.com/cost-watchdog/backend/internal/database"
	"github.com/cost-watchdog/backend/internal/metrics"
)

type fakeStore struct {
	puts map[string]int64
}

func (f *fakeStore) Put(_ context.Context, key string, _ io.Reader, size int64, _ string) error {
	if f.puts == nil {
		f.puts = map[string]int64{}
	}
	f.puts[key] = size
	return nil
}
func (f *fakeStore) Get(context.Context, string) (io.ReadCloser, error) { return nil, nil }
func (f *fakeStore) Delete(context.Context, string) error               { return nil }
func (f *fakeStore) Head(context.Context, string) (int64, error)        { return 0, nil }
func (f *fakeStore) PresignGet(context.Context, string, time.Duration) (string, error) {
	return "", nil
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *fakeStore) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	db := &database.DB{DB: raw}
	cipher, err := crypto.NewFieldCipher("test-field-key-32-bytes-long!!!!")
	require.NoError(t, err)

	store := &fakeStore{}
	svc := NewService(
		connector.NewRegistry(connector.NewCSVConnector()),
		db,
		database.NewDocumentRepo(db),
		database.NewCostRecordRepo(db),
		database.NewOutboxRepo(db),
		database.NewRefRepo(db),
		store,
		cipher,
		metrics.New(prometheus.NewRegistry()),
	)
	svc.now = func() time.Time { return time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC) }
	return svc, mock, store
}

func TestIngestRejectsEmptyBuffer(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Ingest(context.Background(), Upload{Filename: "x.csv"})
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestIngestDuplicateReturnsExistingDocument(t *testing.T) {
	svc, mock, store := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM documents WHERE file_hash`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "original_filename", "mime_type", "file_size", "file_hash", "storage_path",
			"document_type", "extraction_status", "verification_status", "uploaded_at", "uploaded_by",
		}).AddRow("doc-1", "old.csv", "text/csv", 10, "abc", "documents/x",
			"csv", "completed", "", time.Now(), "u1"))

	res, err := svc.Ingest(context.Background(), Upload{
		Buffer:   []byte("01.01.2024;100,00\n"),
		Filename: "again.csv",
		MimeType: "text/csv",
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "doc-1", res.DocumentID)
	assert.Empty(t, res.RecordIDs)
	assert.Empty(t, store.puts, "duplicate uploads must not hit storage")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildRecordValidation(t *testing.T) {
	svc, mock, _ := newTestService(t)
	ctx := context.Background()
	doc := &core.Document{ID: "doc-1"}

	base := connector.ExtractedCostRecord{
		LocationID:  "loc-1",
		SupplierID:  "sup-1",
		CostType:    core.CostElectricity,
		PeriodStart: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
		AmountGross: decimal.RequireFromString("100.00"),
		Confidence:  0.9,
	}

	t.Run("negative amount skipped", func(t *testing.T) {
		rec := base
		rec.AmountGross = decimal.RequireFromString("-5")
		built, reason, err := svc.buildRecord(ctx, rec, doc, 0.9)
		require.NoError(t, err)
		assert.Nil(t, built)
		assert.Contains(t, reason, "positive")
	})

	t.Run("inverted period skipped", func(t *testing.T) {
		rec := base
		rec.PeriodEnd = rec.PeriodStart.AddDate(0, 0, -1)
		_, reason, err := svc.buildRecord(ctx, rec, doc, 0.9)
		require.NoError(t, err)
		assert.Contains(t, reason, "period end")
	})

	t.Run("ancient period skipped", func(t *testing.T) {
		rec := base
		rec.PeriodStart = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
		_, reason, err := svc.buildRecord(ctx, rec, doc, 0.9)
		require.NoError(t, err)
		assert.Contains(t, reason, "plausible range")
	})

	t.Run("unknown location skipped", func(t *testing.T) {
		mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM locations`).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		_, reason, err := svc.buildRecord(ctx, base, doc, 0.9)
		require.NoError(t, err)
		assert.Contains(t, reason, "unknown location")
	})

	t.Run("valid record encrypted", func(t *testing.T) {
		mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM locations`).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM suppliers`).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		rec := base
		rec.InvoiceNumber = "RE-1"
		rec.ContractNumber = "V-9"
		built, reason, err := svc.buildRecord(ctx, rec, doc, 0.7)
		require.NoError(t, err)
		require.Empty(t, reason)
		require.NotNil(t, built)
		assert.True(t, crypto.IsEncrypted(built.InvoiceNumber))
		assert.True(t, crypto.IsEncrypted(built.ContractNumber))
		assert.Equal(t, core.QualityExtracted, built.DataQuality)
		assert.Equal(t, "doc-1", built.DocumentID)
		assert.InDelta(t, 0.7, built.Confidence, 1e-9)
	})
}

// sealedValue matches an argument that carries the encryption prefix and
// opens to the expected plaintext.
type sealedValue struct {
	cipher *crypto.FieldCipher
	want   string
}

func (s sealedValue) Match(v driver.Value) bool {
	str, ok := v.(string)
	if !ok {
		return false
	}
	if !crypto.IsEncrypted(str) {
		return false
	}
	plain, migrate, err := s.cipher.Decrypt(str)
	return err == nil && !migrate && plain == s.want
}

func TestRecordMigratesLegacyContractNumber(t *testing.T) {
	svc, mock, _ := newTestService(t)

	sealedInvoice, err := svc.cipher.Encrypt("INV-2024-001")
	require.NoError(t, err)

	cols := []string{
		"id", "location_id", "supplier_id", "cost_type", "cost_category",
		"period_start", "period_end", "invoice_date",
		"amount_gross", "amount_net", "vat_amount", "vat_rate",
		"quantity", "unit", "price_per_unit",
		"invoice_number", "contract_number",
		"confidence", "data_quality", "is_verified", "document_id", "created_at",
	}
	now := time.Now().UTC()
	mock.ExpectQuery(`FROM cost_records WHERE id =`).
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"rec-1", "loc-1", "sup-1", "electricity", "energy",
			now.AddDate(0, -1, 0), now, now,
			"119.00", "100.00", "19.00", "19.00",
			nil, "kWh", nil,
			sealedInvoice, "C-2020-0815",
			0.95, "good", false, nil, now,
		))
	// A contract number stored bare is sealed and written back during the
	// read.
	mock.ExpectExec(`UPDATE cost_records SET contract_number`).
		WithArgs("rec-1", sealedValue{cipher: svc.cipher, want: "C-2020-0815"}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := svc.Record(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "INV-2024-001", rec.InvoiceNumber)
	assert.Equal(t, "C-2020-0815", rec.ContractNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAlreadySealedSkipsWriteBack(t *testing.T) {
	svc, mock, _ := newTestService(t)

	sealedInvoice, err := svc.cipher.Encrypt("INV-2024-002")
	require.NoError(t, err)
	sealedContract, err := svc.cipher.Encrypt("C-2024-0042")
	require.NoError(t, err)

	cols := []string{
		"id", "location_id", "supplier_id", "cost_type", "cost_category",
		"period_start", "period_end", "invoice_date",
		"amount_gross", "amount_net", "vat_amount", "vat_rate",
		"quantity", "unit", "price_per_unit",
		"invoice_number", "contract_number",
		"confidence", "data_quality", "is_verified", "document_id", "created_at",
	}
	now := time.Now().UTC()
	mock.ExpectQuery(`FROM cost_records WHERE id =`).
		WithArgs("rec-2").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"rec-2", "loc-1", "sup-1", "electricity", "energy",
			now.AddDate(0, -1, 0), now, now,
			"119.00", "100.00", "19.00", "19.00",
			nil, "kWh", nil,
			sealedInvoice, sealedContract,
			0.95, "good", false, nil, now,
		))

	rec, err := svc.Record(context.Background(), "rec-2")
	require.NoError(t, err)
	assert.Equal(t, "C-2024-0042", rec.ContractNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}
