package consumer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/withObsrvr/snapshot-audit-pipeline/processor"
	"github.com/xuri/excelize/v2"
)

var exportHeaders = []string{
	"ID", "Contract ID", "Event Type", "Epoch", "Hash", "Ledger",
	"Transaction Hash", "Verification Status", "Verified At", "Created At",
}

// ExportEventsCSV renders events as CSV for audit downloads.
func ExportEventsCSV(events []*processor.ContractEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(exportHeaders); err != nil {
		return nil, fmt.Errorf("error writing CSV header: %w", err)
	}
	for _, event := range events {
		if err := w.Write(exportRow(event)); err != nil {
			return nil, fmt.Errorf("error writing CSV row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("error flushing CSV: %w", err)
	}
	return buf.Bytes(), nil
}

// ExportEventsXLSX renders events as an Excel workbook with a styled header
// row, matching the dashboard's export format.
func ExportEventsXLSX(events []*processor.ContractEvent) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Contract Events"
	f.SetSheetName("Sheet1", sheet)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"D9EAD3"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("error creating header style: %w", err)
	}

	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, headerStyle)
	}

	for rowIdx, event := range events {
		for colIdx, value := range exportRow(event) {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			f.SetCellValue(sheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("error writing workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func exportRow(event *processor.ContractEvent) []string {
	epoch := ""
	if event.Epoch != nil {
		epoch = strconv.FormatUint(*event.Epoch, 10)
	}
	verifiedAt := ""
	if event.VerifiedAt != nil {
		verifiedAt = event.VerifiedAt.Format(time.RFC3339)
	}
	return []string{
		event.ID,
		event.ContractID,
		string(event.EventType),
		epoch,
		event.Hash,
		strconv.FormatUint(uint64(event.Ledger), 10),
		event.TransactionHash,
		string(event.VerificationStatus),
		verifiedAt,
		event.CreatedAt.Format(time.RFC3339),
	}
}
