package consumer

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/withObsrvr/snapshot-audit-pipeline/processor"
)

func exportFixture() []*processor.ContractEvent {
	epoch := uint64(5)
	verifiedAt := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	return []*processor.ContractEvent{
		{
			ID:                 "ev-1",
			ContractID:         testContractID,
			EventType:          processor.EventTypeSnapshotSubmission,
			Epoch:              &epoch,
			Hash:               "abc123",
			Ledger:             1000,
			TransactionHash:    "tx1",
			VerificationStatus: processor.StatusVerified,
			VerifiedAt:         &verifiedAt,
			CreatedAt:          verifiedAt.Add(-time.Hour),
		},
		{
			ID:                 "ev-2",
			ContractID:         testContractID,
			EventType:          processor.EventTypeSnapshotSubmission,
			Ledger:             1001,
			TransactionHash:    "tx2",
			VerificationStatus: processor.StatusPending,
			CreatedAt:          verifiedAt,
		},
	}
}

func TestExportEventsCSV(t *testing.T) {
	out, err := ExportEventsCSV(exportFixture())
	require.NoError(t, err)

	records, err := csv.NewReader(bytes.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, exportHeaders, records[0])
	assert.Equal(t, "ev-1", records[1][0])
	assert.Equal(t, "5", records[1][3])
	assert.Equal(t, "verified", records[1][7])
	assert.Empty(t, records[2][3], "missing epoch renders as empty cell")
	assert.Empty(t, records[2][8], "pending events have no verified_at")
}

func TestExportEventsXLSX(t *testing.T) {
	out, err := ExportEventsXLSX(exportFixture())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(out))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Contract Events")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, "ev-2", rows[2][0])
	assert.Equal(t, "pending", rows[2][7])
}
