package artifact

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/warp/claim-bucketing/engine"
)

// NewPDFEncoder writes a one-document check register per bucket.
func NewPDFEncoder(dir string) *FileEncoder {
	return &FileEncoder{
		Dir:         dir,
		format:      FormatPDF,
		contentType: "application/pdf",
		render:      renderPDF,
		now:         time.Now,
	}
}

func renderPDF(snap engine.BucketSnapshot) ([]byte, error) {
	b := snap.Bucket
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Check Register")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	lines := []string{
		fmt.Sprintf("Bucket: %s", b.ID),
		fmt.Sprintf("Payer: %s", b.PayerID),
		fmt.Sprintf("Payee: %s", b.PayeeID),
		fmt.Sprintf("Grouping Key: %s", b.Key),
		fmt.Sprintf("Claims: %d", b.ClaimCount),
		fmt.Sprintf("Total Amount: %s", b.TotalAmount.StringFixed(2)),
		fmt.Sprintf("Generated: %s", snap.TakenAt.UTC().Format(time.RFC3339)),
	}
	if b.ApprovedAt != nil {
		lines = append(lines, fmt.Sprintf("Approved: %s by %s", formatTime(b.ApprovedAt), b.ApprovedBy))
	}
	if p := snap.Payment; p != nil {
		lines = append(lines,
			fmt.Sprintf("Check: %d", p.InstrumentNumber),
			fmt.Sprintf("Bank: %s  Account: %s  Routing: %s", p.BankName, p.AccountNumber, p.RoutingNumber),
		)
	}
	for _, l := range lines {
		pdf.Cell(0, 6, l)
		pdf.Ln(5)
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(50, 6, "Claim", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Route", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Service Date", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Amount", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, c := range snap.Claims {
		route := ""
		if c.Routing != nil {
			route = c.Routing.Network + "/" + c.Routing.Route
		}
		pdf.CellFormat(50, 6, string(c.ID), "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, route, "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, c.ServiceDate.Format("2006-01-02"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(40, 6, c.Amount.StringFixed(2), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
