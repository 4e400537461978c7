package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cost-watchdog/backend/internal/audit"
	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/database"
	"github.com/cost-watchdog/backend/internal/ingest"
	"github.com/cost-watchdog/backend/internal/middleware"
)

// maxUploadBytes caps invoice uploads. Supplier CSV exports and PDF
// invoices stay well under this.
const maxUploadBytes = 25 << 20

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

// ============================================================================
// UPLOADS
// ============================================================================

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, r, &core.ValidationError{Field: "file", Message: "invalid multipart body"})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, &core.ValidationError{Field: "file", Message: "file part is required"})
		return
	}
	defer file.Close()

	buf, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, &core.ValidationError{Field: "file", Message: "unreadable file"})
		return
	}

	up := ingest.Upload{
		Buffer:      buf,
		Filename:    header.Filename,
		MimeType:    header.Header.Get("Content-Type"),
		ConnectorID: r.FormValue("connector_id"),
		UploadedBy:  middleware.UserID(r.Context()),
	}
	if raw := r.FormValue("config"); raw != "" {
		up.Config = json.RawMessage(raw)
	}

	result, err := s.ingest.Ingest(r.Context(), up)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// handleDocumentDownload hands out a short-lived presigned URL instead of
// proxying object bytes through the API.
func (s *Server) handleDocumentDownload(w http.ResponseWriter, r *http.Request) {
	doc, err := s.documents.GetByID(r.Context(), pathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	url, err := s.objects.PresignGet(r.Context(), doc.StoragePath, 15*time.Minute)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url":      url,
		"filename": doc.OriginalFilename,
	})
}

// ============================================================================
// COST RECORDS
// ============================================================================

func recordFilterFromQuery(r *http.Request) (database.RecordFilter, error) {
	q := r.URL.Query()
	f := database.RecordFilter{
		LocationID: q.Get("location_id"),
		SupplierID: q.Get("supplier_id"),
		CostType:   core.CostType(q.Get("cost_type")),
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if v := q.Get(p.name); v != "" {
			t, err := time.Parse("2006-01-02", v)
			if err != nil {
				return f, &core.ValidationError{Field: p.name, Message: "expected YYYY-MM-DD"}
			}
			*p.dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return f, &core.ValidationError{Field: "limit", Message: "expected 1..1000"}
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleRecordList(w http.ResponseWriter, r *http.Request) {
	filter, err := recordFilterFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	records, err := s.records.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

// handleRecordGet returns one record with invoice and contract numbers
// decrypted. The read goes through the ingest service so legacy plaintext
// rows are re-encrypted along the way.
func (s *Server) handleRecordGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ingest.Record(r.Context(), pathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleRecordExport streams the filtered records as CSV. Encrypted fields
// (invoice and contract numbers) are omitted from exports.
func (s *Server) handleRecordExport(w http.ResponseWriter, r *http.Request) {
	filter, err := recordFilterFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if filter.Limit == 0 {
		filter.Limit = 1000
	}
	records, err := s.records.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="cost-records.csv"`)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{
		"id", "location_id", "supplier_id", "cost_type", "cost_category",
		"period_start", "period_end", "amount_gross", "amount_net",
		"quantity", "unit", "price_per_unit", "data_quality",
	})
	for _, rec := range records {
		quantity, ppu := "", ""
		if rec.Quantity != nil {
			quantity = rec.Quantity.String()
		}
		if rec.PricePerUnit != nil {
			ppu = rec.PricePerUnit.String()
		}
		_ = cw.Write([]string{
			rec.ID, rec.LocationID, rec.SupplierID, string(rec.CostType), rec.CostCategory,
			rec.PeriodStart.Format("2006-01-02"), rec.PeriodEnd.Format("2006-01-02"),
			rec.AmountGross.String(), rec.AmountNet.String(),
			quantity, rec.Unit, ppu, string(rec.DataQuality),
		})
	}
	cw.Flush()
}

// ============================================================================
// ANOMALIES & ALERTS
// ============================================================================

func (s *Server) handleAnomalyList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, r, &core.ValidationError{Field: "limit", Message: "expected 1..500"})
			return
		}
		limit = n
	}
	anomalies, err := s.anoms.ListOpen(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"anomalies": anomalies})
}

func (s *Server) handleAnomalyGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.anoms.GetByID(r.Context(), pathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

var triageStatuses = map[core.AnomalyStatus]bool{
	core.AnomalyAcknowledged:  true,
	core.AnomalyDismissed:     true,
	core.AnomalyFalsePositive: true,
}

func (s *Server) handleAnomalyStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status core.AnomalyStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !triageStatuses[req.Status] {
		writeError(w, r, &core.ValidationError{Field: "status", Message: "expected acknowledged, dismissed or false_positive"})
		return
	}
	id := pathVar(r, "id")
	if err := s.anoms.SetStatus(r.Context(), id, req.Status); err != nil {
		writeError(w, r, err)
		return
	}
	s.audits.Record(r.Context(), audit.Entry{
		EntityType: "anomaly",
		EntityID:   id,
		Action:     "anomaly.status_changed",
		Metadata:   map[string]any{"status": req.Status},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnomalyAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.alerts.ListByAnomaly(r.Context(), pathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

// ============================================================================
// HEALTH
// ============================================================================

// handleHealthz is liveness only.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz checks both backing stores with a short deadline.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]string{"database": "ok", "redis": "ok"}
	status := http.StatusOK
	if err := s.db.PingContext(ctx); err != nil {
		deps["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.kv.Ping(ctx); err != nil {
		deps["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, deps)
}
