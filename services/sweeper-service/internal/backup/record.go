package backup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stoik/chatsweep/services/sweeper-service/internal/models"
)

var (
	// ErrNotFound is returned when no backup exists or the newest one failed verification.
	ErrNotFound = errors.New("backup not found")
	// ErrIntegrity marks a record whose content hash does not match its data.
	ErrIntegrity = errors.New("backup integrity mismatch")
)

const timestampLayout = "20060102_150405"

// Seal builds a BackupRecord around data, stamping the content hash.
func Seal(accountID string, dataType models.DataType, data any, ts time.Time) (*models.BackupRecord, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", dataType, err)
	}
	hash, err := ContentHash(raw)
	if err != nil {
		return nil, err
	}
	return &models.BackupRecord{
		AccountID: accountID,
		DataType:  dataType,
		Timestamp: ts.UTC(),
		Data:      raw,
		Hash:      hash,
	}, nil
}

// ContentHash returns the hex SHA-256 of the compacted JSON data section.
func ContentHash(raw json.RawMessage) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the content hash of rec and compares it with the stored one.
func Verify(rec *models.BackupRecord) error {
	if rec == nil || len(rec.Data) == 0 || rec.Hash == "" {
		return ErrIntegrity
	}
	hash, err := ContentHash(rec.Data)
	if err != nil || hash != rec.Hash {
		return ErrIntegrity
	}
	return nil
}

// EntryName builds the conventional backup name {account}_{type}_{YYYYMMDD_HHMMSS}.
func EntryName(accountID string, dataType models.DataType, ts time.Time) string {
	return fmt.Sprintf("%s_%s_%s", accountID, dataType, ts.UTC().Format(timestampLayout))
}

// ParseEntryName splits a conventional backup name (with or without directory prefix and
// extension) into its parts.
func ParseEntryName(name string) (accountID string, dataType models.DataType, ts time.Time, ok bool) {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, ".json")

	// The timestamp itself contains an underscore, so it spans the last two segments.
	if len(name) < len(timestampLayout)+2 {
		return "", "", time.Time{}, false
	}
	stamp := name[len(name)-len(timestampLayout):]
	ts, err := time.Parse(timestampLayout, stamp)
	if err != nil {
		return "", "", time.Time{}, false
	}
	rest := strings.TrimSuffix(name[:len(name)-len(timestampLayout)], "_")

	for _, dt := range models.DataTypes {
		suffix := "_" + string(dt)
		if strings.HasSuffix(rest, suffix) && len(rest) > len(suffix) {
			return strings.TrimSuffix(rest, suffix), dt, ts.UTC(), true
		}
	}
	return "", "", time.Time{}, false
}
