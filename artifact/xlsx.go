package artifact

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/warp/claim-bucketing/engine"
)

const (
	summarySheet = "summary"
	claimsSheet  = "claims"
)

// NewXLSXEncoder writes one workbook per bucket.
func NewXLSXEncoder(dir string) *FileEncoder {
	return &FileEncoder{
		Dir:         dir,
		format:      FormatXLSX,
		contentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		render:      renderXLSX,
		now:         time.Now,
	}
}

func renderXLSX(snap engine.BucketSnapshot) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(claimsSheet); err != nil {
		return nil, err
	}

	b := snap.Bucket
	summary := [][2]any{
		{"Bucket", string(b.ID)},
		{"Grouping Key", string(b.Key)},
		{"Rule", string(b.RuleID)},
		{"Payer", string(b.PayerID)},
		{"Payee", string(b.PayeeID)},
		{"Claims", b.ClaimCount},
		{"Total Amount", b.TotalAmount.StringFixed(2)},
		{"Attempt", b.Attempts},
		{"Approved By", b.ApprovedBy},
		{"Approved At", formatTime(b.ApprovedAt)},
		{"Generated", snap.TakenAt.UTC().Format(time.RFC3339)},
	}
	if p := snap.Payment; p != nil {
		summary = append(summary,
			[2]any{"Check Number", p.InstrumentNumber},
			[2]any{"Bank", p.BankName},
			[2]any{"Account", p.AccountNumber},
			[2]any{"Routing", p.RoutingNumber},
			[2]any{"Payment Status", string(p.Status)},
		)
	}

	_ = f.SetCellValue(summarySheet, "A1", "Claim Bucket")
	for i, kv := range summary {
		row := i + 3
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), kv[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), kv[1])
	}

	headers := []string{"Claim", "Payee", "Network", "Route", "Service Date", "Amount"}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(claimsSheet, cell, h)
	}
	for i, c := range snap.Claims {
		row := i + 2
		var network, route string
		if c.Routing != nil {
			network, route = c.Routing.Network, c.Routing.Route
		}
		_ = f.SetCellValue(claimsSheet, fmt.Sprintf("A%d", row), string(c.ID))
		_ = f.SetCellValue(claimsSheet, fmt.Sprintf("B%d", row), string(c.PayeeID))
		_ = f.SetCellValue(claimsSheet, fmt.Sprintf("C%d", row), network)
		_ = f.SetCellValue(claimsSheet, fmt.Sprintf("D%d", row), route)
		_ = f.SetCellValue(claimsSheet, fmt.Sprintf("E%d", row), c.ServiceDate.Format("2006-01-02"))
		_ = f.SetCellValue(claimsSheet, fmt.Sprintf("F%d", row), c.Amount.StringFixed(2))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
