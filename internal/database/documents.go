package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cost-watchdog/backend/internal/core"
)

// DocumentRepo persists uploaded documents, content-addressed by SHA-256.
type DocumentRepo struct {
	db *DB
}

func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

const documentCols = `id, original_filename, mime_type, file_size, file_hash,
	storage_path, document_type, extraction_status, verification_status,
	uploaded_at, uploaded_by`

// FindByHash returns the document with the given content hash, or nil.
func (r *DocumentRepo) FindByHash(ctx context.Context, hash string) (*core.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentCols+` FROM documents WHERE file_hash = $1`, hash)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find document by hash: %w", err)
	}
	return doc, nil
}

// InsertTx inserts a document inside the ingestion transaction.
func (r *DocumentRepo) InsertTx(ctx context.Context, tx *sql.Tx, doc *core.Document) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO documents (`+documentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		doc.ID, doc.OriginalFilename, doc.MimeType, doc.FileSize, doc.FileHash,
		doc.StoragePath, doc.DocumentType, doc.ExtractionStatus, doc.VerificationStatus,
		doc.UploadedAt, doc.UploadedBy,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// UpdateExtractionStatus moves a document through its lifecycle.
func (r *DocumentRepo) UpdateExtractionStatus(ctx context.Context, id string, status core.ExtractionStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE documents SET extraction_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update extraction status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Entity: "document", ID: id}
	}
	return nil
}

// GetByID loads a document.
func (r *DocumentRepo) GetByID(ctx context.Context, id string) (*core.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentCols+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "document", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func scanDocument(row rowScanner) (*core.Document, error) {
	var doc core.Document
	err := row.Scan(
		&doc.ID, &doc.OriginalFilename, &doc.MimeType, &doc.FileSize, &doc.FileHash,
		&doc.StoragePath, &doc.DocumentType, &doc.ExtractionStatus, &doc.VerificationStatus,
		&doc.UploadedAt, &doc.UploadedBy,
	)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}
