package backup

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stoik/chatsweep/services/sweeper-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealAndVerify(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	rec, err := Seal("acc1", models.DataCheckpoints, map[string]int{"a": 1}, ts)
	require.NoError(t, err)

	assert.Equal(t, "acc1", rec.AccountID)
	assert.Equal(t, models.DataCheckpoints, rec.DataType)
	assert.Len(t, rec.Hash, 64)
	assert.NoError(t, Verify(rec))
}

func TestVerify_ToleratesReformattedData(t *testing.T) {
	t.Parallel()

	rec, err := Seal("acc1", models.DataGroups, map[string]any{"x": []int{1, 2}}, time.Now())
	require.NoError(t, err)

	rec.Data = json.RawMessage("{\n  \"x\": [1, 2]\n}")
	assert.NoError(t, Verify(rec))
}

func TestVerify_DetectsTampering(t *testing.T) {
	t.Parallel()

	rec, err := Seal("acc1", models.DataGroups, map[string]int{"a": 1}, time.Now())
	require.NoError(t, err)

	rec.Data = json.RawMessage(`{"a":2}`)
	assert.ErrorIs(t, Verify(rec), ErrIntegrity)

	assert.ErrorIs(t, Verify(nil), ErrIntegrity)
	assert.ErrorIs(t, Verify(&models.BackupRecord{Data: json.RawMessage(`{}`)}), ErrIntegrity)
}

func TestParseEntryName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		account  string
		dataType models.DataType
		ok       bool
	}{
		{"simple", "acc1_checkpoints_20260304_050607.json", "acc1", models.DataCheckpoints, true},
		{"underscore type", "acc1_scan_data_20260304_050607", "acc1", models.DataScan, true},
		{"underscore account", "my_acc_session_blob_20260304_050607.json", "my_acc", models.DataSession, true},
		{"with prefix", "backups/acc1/acc1_groups_20260304_050607.json", "acc1", models.DataGroups, true},
		{"unknown type", "acc1_other_20260304_050607.json", "", "", false},
		{"bad stamp", "acc1_groups_2026.json", "", "", false},
		{"missing account", "_groups_20260304_050607.json", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			account, dataType, ts, ok := ParseEntryName(tt.input)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.account, account)
			assert.Equal(t, tt.dataType, dataType)
			assert.Equal(t, time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC), ts)
		})
	}
}

func TestEntryName_RoundTrip(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)
	name := EntryName("acc", models.DataAccounts, ts)
	assert.Equal(t, "acc_accounts_20251231_235959", name)

	account, dataType, parsed, ok := ParseEntryName(name)
	require.True(t, ok)
	assert.Equal(t, "acc", account)
	assert.Equal(t, models.DataAccounts, dataType)
	assert.Equal(t, ts, parsed)
}
