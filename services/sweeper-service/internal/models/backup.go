package models

import (
	"encoding/json"
	"time"
)

// DataType names the kind of state carried by a backup record.
type DataType string

const (
	DataCheckpoints DataType = "checkpoints"
	DataScan        DataType = "scan_data"
	DataGroups      DataType = "groups"
	DataAccounts    DataType = "accounts"
	DataSession     DataType = "session_blob"
)

// DataTypes lists every data type a backup may carry.
var DataTypes = []DataType{DataCheckpoints, DataScan, DataGroups, DataAccounts, DataSession}

// BackupRecord is the envelope persisted by every backup backend.
type BackupRecord struct {
	AccountID string          `json:"account_id"`
	DataType  DataType        `json:"data_type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Hash      string          `json:"hash"`
}

// BackupEntry describes a stored backup without its payload.
type BackupEntry struct {
	// Name is backend-specific: a file name, an object key or a document id.
	Name      string    `json:"name"`
	AccountID string    `json:"account_id"`
	DataType  DataType  `json:"data_type"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}
