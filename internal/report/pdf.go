// Package report renders the operator-facing sync summary as a printable
// PDF: what was exchanged, what was skipped, and anything that needs a
// second look.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/kasipos/kasipos/internal/models"
	"github.com/kasipos/kasipos/internal/reconcile"
)

// GenerateSessionPDF creates an A4 summary for one completed sync session.
func GenerateSessionPDF(session *models.SyncSession, shopName string) ([]byte, error) {
	if session == nil {
		return nil, fmt.Errorf("report: no session to render")
	}

	var merge reconcile.Report
	if len(session.Report) > 0 {
		if err := json.Unmarshal(session.Report, &merge); err != nil {
			return nil, fmt.Errorf("report: unreadable merge report: %w", err)
		}
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.AddPage()

	// Header
	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, "Sync Session Report", "", 1, "L", false, 0, "")
	if shopName != "" {
		pdf.SetFont("Arial", "", 11)
		pdf.CellFormat(0, 6, shopName, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	// Session facts
	pdf.SetFont("Arial", "", 10)
	writeRow := func(label, value string) {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(45, 7, label, "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(0, 7, value, "", 1, "L", false, 0, "")
	}

	writeRow("Session", session.SessionID)
	writeRow("Role", session.Role)
	if session.PeerInstance != "" {
		writeRow("Peer terminal", session.PeerInstance)
	}
	writeRow("Outcome", session.FinalState)
	writeRow("Started", session.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if session.EndedAt != nil {
		writeRow("Finished", session.EndedAt.Local().Format("2006-01-02 15:04:05"))
		writeRow("Duration", session.EndedAt.Sub(session.StartedAt).Round(time.Second).String())
	}
	pdf.Ln(6)

	// Merge counters
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 8, "Merge Summary", "", 1, "L", false, 0, "")
	pdf.SetFillColor(240, 240, 240)

	counter := func(label string, n int) {
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(70, 7, label, "1", 0, "L", true, 0, "")
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(25, 7, fmt.Sprintf("%d", n), "1", 1, "R", false, 0, "")
	}
	counter("Changes applied", merge.Applied)
	counter("Skipped (older than local)", merge.SkippedStale)
	counter("Skipped (already present)", merge.SkippedDuplicate)
	counter("Errors", len(merge.Errors))
	pdf.Ln(6)

	// Per-delta errors, if any
	if len(merge.Errors) > 0 {
		pdf.SetFont("Arial", "B", 12)
		pdf.CellFormat(0, 8, "Needs Attention", "", 1, "L", false, 0, "")
		pdf.SetFont("Arial", "", 9)
		for _, e := range merge.Errors {
			line := fmt.Sprintf("- [%s] %s: %s", e.Kind, e.Ref, e.Reason)
			pdf.MultiCell(0, 5, line, "", "L", false)
		}
		pdf.Ln(4)
	}

	pdf.SetFont("Arial", "I", 8)
	pdf.SetTextColor(120, 120, 120)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated %s", time.Now().Local().Format("2006-01-02 15:04")), "", 1, "L", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("report: render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
