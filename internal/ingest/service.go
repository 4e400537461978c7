// Package ingest turns connector output into persisted documents and cost
// records. Persistence is all-or-nothing per upload: a single transaction
// covers the document row, every accepted record and their outbox events.
package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cost-watchdog/backend/internal/connector"
	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/crypto"
	"github.com/cost-watchdog/backend/internal/database"
	"github.com/cost-watchdog/backend/internal/metrics"
	"github.com/cost-watchdog/backend/internal/storage"
)

// Upload is one file handed to the pipeline.
type Upload struct {
	Buffer      []byte
	Filename    string
	MimeType    string
	ConnectorID string
	Config      json.RawMessage
	UploadedBy  string
}

// Result reports what an upload produced. Duplicate uploads succeed and
// point at the existing document without inserting anything.
type Result struct {
	DocumentID string   `json:"document_id"`
	Duplicate  bool     `json:"duplicate"`
	RecordIDs  []string `json:"record_ids,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Service runs the ingestion pipeline.
type Service struct {
	registry  *connector.Registry
	documents *database.DocumentRepo
	records   *database.CostRecordRepo
	outbox    *database.OutboxRepo
	refs      *database.RefRepo
	db        *database.DB
	store     storage.ObjectStore
	cipher    *crypto.FieldCipher
	metrics   *metrics.Metrics
	logger    *log.Logger
	now       func() time.Time
}

func NewService(
	registry *connector.Registry,
	db *database.DB,
	documents *database.DocumentRepo,
	records *database.CostRecordRepo,
	outbox *database.OutboxRepo,
	refs *database.RefRepo,
	store storage.ObjectStore,
	cipher *crypto.FieldCipher,
	m *metrics.Metrics,
) *Service {
	return &Service{
		registry:  registry,
		documents: documents,
		records:   records,
		outbox:    outbox,
		refs:      refs,
		db:        db,
		store:     store,
		cipher:    cipher,
		metrics:   m,
		logger:    log.New(log.Writer(), "[Ingest] ", log.LstdFlags),
		now:       time.Now,
	}
}

// Ingest runs the full pipeline for one upload: dedup by content hash,
// store the bytes, extract, validate, persist.
func (s *Service) Ingest(ctx context.Context, up Upload) (*Result, error) {
	if len(up.Buffer) == 0 {
		return nil, &core.ValidationError{Field: "buffer", Message: "empty upload"}
	}

	fileHash := connector.InputHash(up.Buffer)

	existing, err := s.documents.FindByHash(ctx, fileHash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.logger.Printf("duplicate upload %s (document %s)", up.Filename, existing.ID)
		s.metrics.IngestDuplicates.Inc()
		return &Result{DocumentID: existing.ID, Duplicate: true}, nil
	}

	conn, err := s.resolveConnector(up)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	storagePath := storage.ObjectKey(now, up.Filename)
	if err := s.store.Put(ctx, storagePath, bytes.NewReader(up.Buffer), int64(len(up.Buffer)), up.MimeType); err != nil {
		return nil, err
	}

	out := conn.Extract(connector.Input{
		Buffer:   up.Buffer,
		Filename: up.Filename,
		MimeType: up.MimeType,
		Config:   up.Config,
	})

	doc := &core.Document{
		ID:               uuid.NewString(),
		OriginalFilename: up.Filename,
		MimeType:         up.MimeType,
		FileSize:         int64(len(up.Buffer)),
		FileHash:         fileHash,
		StoragePath:      storagePath,
		DocumentType:     out.Metadata.SourceType,
		ExtractionStatus: core.ExtractionProcessing,
		UploadedAt:       now,
		UploadedBy:       up.UploadedBy,
	}

	result := &Result{
		DocumentID: doc.ID,
		Warnings:   out.Metadata.Warnings,
		Confidence: out.Metadata.Confidence,
	}

	if !out.Success {
		// Stored for inspection; nothing to persist beyond the failed doc.
		doc.ExtractionStatus = core.ExtractionFailed
		err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
			return s.documents.InsertTx(ctx, tx, doc)
		})
		if err != nil {
			return nil, err
		}
		s.metrics.IngestFailures.Inc()
		return result, nil
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.documents.InsertTx(ctx, tx, doc); err != nil {
			return err
		}
		if err := s.insertRecordsTx(ctx, tx, doc, out, result); err != nil {
			return err
		}

		docPayload, err := json.Marshal(map[string]string{"document_id": doc.ID})
		if err != nil {
			return err
		}
		return s.outbox.InsertTx(ctx, tx, "document", doc.ID, core.EventDocumentUploaded, docPayload)
	})
	if err != nil {
		s.metrics.IngestFailures.Inc()
		return nil, err
	}

	if err := s.documents.UpdateExtractionStatus(ctx, doc.ID, core.ExtractionCompleted); err != nil {
		return nil, err
	}

	s.metrics.IngestRecords.Add(float64(len(result.RecordIDs)))
	s.logger.Printf("ingested %s: %d records, %d warnings", up.Filename, len(result.RecordIDs), len(result.Warnings))
	return result, nil
}

// insertRecordsTx persists the extracted records of one document. Per-record
// validation failures and duplicates become warnings, not batch failures.
func (s *Service) insertRecordsTx(ctx context.Context, tx *sql.Tx, doc *core.Document, out connector.Output, result *Result) error {
	for i, ext := range out.Records {
		rec, reason, err := s.buildRecord(ctx, ext, doc, out.Metadata.Confidence)
		if err != nil {
			return err
		}
		if reason != "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("record %d skipped: %s", i+1, reason))
			continue
		}
		if err := s.records.InsertTx(ctx, tx, rec); err != nil {
			var conflict *core.ConflictError
			if errors.As(err, &conflict) {
				result.Warnings = append(result.Warnings, fmt.Sprintf("record %d skipped: duplicate invoice", i+1))
				continue
			}
			return err
		}
		payload, err := json.Marshal(map[string]string{"cost_record_id": rec.ID})
		if err != nil {
			return err
		}
		if err := s.outbox.InsertTx(ctx, tx, "cost_record", rec.ID, core.EventCostRecordCreated, payload); err != nil {
			return err
		}
		result.RecordIDs = append(result.RecordIDs, rec.ID)
	}
	return nil
}

// Reprocess re-runs extraction for a stored document, picking up connector
// fixes. Records that already exist are skipped through the invoice dedup
// key, so the operation is safe to repeat.
func (s *Service) Reprocess(ctx context.Context, documentID string) (*Result, error) {
	doc, err := s.documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}

	rc, err := s.store.Get(ctx, doc.StoragePath)
	if err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("read stored document %s: %w", doc.ID, err)
	}

	conn, err := s.resolveConnector(Upload{Filename: doc.OriginalFilename, MimeType: doc.MimeType})
	if err != nil {
		return nil, err
	}
	if err := s.documents.UpdateExtractionStatus(ctx, doc.ID, core.ExtractionProcessing); err != nil {
		return nil, err
	}

	out := conn.Extract(connector.Input{
		Buffer:   buf,
		Filename: doc.OriginalFilename,
		MimeType: doc.MimeType,
	})

	result := &Result{
		DocumentID: doc.ID,
		Warnings:   out.Metadata.Warnings,
		Confidence: out.Metadata.Confidence,
	}
	if !out.Success {
		if err := s.documents.UpdateExtractionStatus(ctx, doc.ID, core.ExtractionFailed); err != nil {
			return nil, err
		}
		s.metrics.IngestFailures.Inc()
		return result, nil
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.insertRecordsTx(ctx, tx, doc, out, result)
	})
	if err != nil {
		s.metrics.IngestFailures.Inc()
		return nil, err
	}
	if err := s.documents.UpdateExtractionStatus(ctx, doc.ID, core.ExtractionCompleted); err != nil {
		return nil, err
	}

	s.metrics.IngestRecords.Add(float64(len(result.RecordIDs)))
	s.logger.Printf("reprocessed %s: %d new records, %d warnings", doc.ID, len(result.RecordIDs), len(result.Warnings))
	return result, nil
}

// Record loads one cost record with its sealed fields opened. Contract
// numbers still stored as legacy plaintext are re-encrypted and written
// back, so reads migrate pre-encryption imports one row at a time.
func (s *Service) Record(ctx context.Context, id string) (*core.CostRecord, error) {
	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	invoice, _, err := s.cipher.Decrypt(rec.InvoiceNumber)
	if err != nil {
		return nil, fmt.Errorf("decrypt invoice number for %s: %w", id, err)
	}
	contract, migrate, err := s.cipher.Decrypt(rec.ContractNumber)
	if err != nil {
		return nil, fmt.Errorf("decrypt contract number for %s: %w", id, err)
	}
	if migrate {
		sealed, err := s.cipher.Encrypt(contract)
		if err != nil {
			return nil, err
		}
		// The read still succeeds when the write-back fails; the next
		// read retries the migration.
		if err := s.records.UpdateContractNumber(ctx, id, sealed); err != nil {
			s.logger.Printf("migrate contract number for %s: %v", id, err)
		} else {
			s.logger.Printf("re-encrypted legacy contract number for %s", id)
		}
	}

	rec.InvoiceNumber = invoice
	rec.ContractNumber = contract
	return rec, nil
}

func (s *Service) resolveConnector(up Upload) (connector.Connector, error) {
	if up.ConnectorID != "" {
		return s.registry.Get(up.ConnectorID)
	}
	return s.registry.ForMimeType(up.MimeType)
}

// buildRecord validates one extracted record and maps it to the persisted
// shape. A non-empty reason means the record is skipped, not the batch.
func (s *Service) buildRecord(ctx context.Context, ext connector.ExtractedCostRecord, doc *core.Document, batchConfidence float64) (*core.CostRecord, string, error) {
	if !ext.AmountGross.GreaterThan(decimal.Zero) {
		return nil, "gross amount must be positive", nil
	}
	if ext.PeriodEnd.Before(ext.PeriodStart) {
		return nil, "period end before period start", nil
	}
	now := s.now()
	if ext.PeriodStart.Before(now.AddDate(-10, 0, 0)) || ext.PeriodStart.After(now.AddDate(10, 0, 0)) {
		return nil, "period start outside plausible range", nil
	}
	if ext.LocationID == "" {
		return nil, "missing location reference", nil
	}
	if ok, err := s.refs.LocationExists(ctx, ext.LocationID); err != nil {
		return nil, "", err
	} else if !ok {
		return nil, fmt.Sprintf("unknown location %s", ext.LocationID), nil
	}
	if ext.SupplierID == "" {
		return nil, "missing supplier reference", nil
	}
	if ok, err := s.refs.SupplierExists(ctx, ext.SupplierID); err != nil {
		return nil, "", err
	} else if !ok {
		return nil, fmt.Sprintf("unknown supplier %s", ext.SupplierID), nil
	}

	rec := &core.CostRecord{
		ID:           uuid.NewString(),
		LocationID:   ext.LocationID,
		SupplierID:   ext.SupplierID,
		CostType:     ext.CostType,
		CostCategory: ext.CostCategory,
		PeriodStart:  ext.PeriodStart,
		PeriodEnd:    ext.PeriodEnd,
		InvoiceDate:  ext.InvoiceDate,
		AmountGross:  ext.AmountGross,
		AmountNet:    ext.AmountNet,
		VatAmount:    ext.VatAmount,
		VatRate:      ext.VatRate,
		Quantity:     ext.Quantity,
		Unit:         ext.Unit,
		PricePerUnit: ext.PricePerUnit,
		Confidence:   minFloat(ext.Confidence, batchConfidence),
		DataQuality:  core.QualityExtracted,
		DocumentID:   doc.ID,
		CreatedAt:    s.now().UTC(),
	}

	if ext.InvoiceNumber != "" {
		enc, err := s.cipher.Encrypt(ext.InvoiceNumber)
		if err != nil {
			return nil, "", fmt.Errorf("encrypt invoice number: %w", err)
		}
		rec.InvoiceNumber = enc
	}
	if ext.ContractNumber != "" {
		enc, err := s.cipher.Encrypt(ext.ContractNumber)
		if err != nil {
			return nil, "", fmt.Errorf("encrypt contract number: %w", err)
		}
		rec.ContractNumber = enc
	}

	return rec, "", nil
}

func minFloat(a, b float64) float64 {
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}
