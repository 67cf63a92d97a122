package model

import "encoding/json"

// JSONText is an opaque JSON document persisted as text
type JSONText string

// MarshalJSON emits the stored document as-is, or as a string when it is not valid JSON
func (j JSONText) MarshalJSON() ([]byte, error) {
	if j == "" {
		return []byte("null"), nil
	}
	if !json.Valid([]byte(j)) {
		return json.Marshal(string(j))
	}
	return []byte(j), nil
}

// UnmarshalJSON keeps the raw document
func (j *JSONText) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*j = ""
		return nil
	}
	*j = JSONText(b)
	return nil
}

// Device identifiers used for log rows the service writes on its own behalf
const (
	DeviceSystemUpdated    = "SYSTEM_UPDATED"
	DeviceSystemReconciled = "SYSTEM_RECONCILED"
)

// IDTransactionLog records one status change of one identifier for a user/device.
// Rows are immutable once written.
type IDTransactionLog struct {
	LogID      string   `json:"log_id" gorm:"primaryKey;size:36"`
	ID         string   `json:"id" gorm:"size:64;not null;uniqueIndex:ux_id_txn_id_status,priority:1"`
	UserUUID   string   `json:"user_uuid" gorm:"size:64;not null;index:idx_id_txn_user_device,priority:2"`
	DeviceUUID string   `json:"device_uuid" gorm:"size:64;not null;index:idx_id_txn_user_device,priority:3"`
	DeviceInfo JSONText `json:"device_info" gorm:"type:text"`
	Status     IDStatus `json:"status" gorm:"type:varchar(20);not null;uniqueIndex:ux_id_txn_id_status,priority:2"`
	TenantID   string   `json:"tenant_id" gorm:"size:64;not null;index:idx_id_txn_user_device,priority:1"`
	RowVersion int      `json:"row_version" gorm:"not null;default:1"`

	AuditDetails `gorm:"embedded"`
}

// TableName overrides the default table name
func (IDTransactionLog) TableName() string { return "id_transaction_log" }
