package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// IDStatus is the lifecycle state of a pooled identifier
type IDStatus string

const (
	IDStatusUnassigned IDStatus = "UNASSIGNED"
	IDStatusDispatched IDStatus = "DISPATCHED"
	IDStatusAssigned   IDStatus = "ASSIGNED"
)

// rank orders statuses along the only direction a record may travel.
func (s IDStatus) rank() int {
	switch s {
	case IDStatusUnassigned:
		return 1
	case IDStatusDispatched:
		return 2
	case IDStatusAssigned:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known status
func (s IDStatus) Valid() bool {
	return s.rank() > 0
}

// CanAdvanceTo reports whether a record in status s may move to next.
// Status never moves backward and never skips DISPATCHED.
func (s IDStatus) CanAdvanceTo(next IDStatus) bool {
	return s.Valid() && next.rank() == s.rank()+1
}

// AuditDetails holds creation and modification metadata (epoch millis)
type AuditDetails struct {
	CreatedBy        string `json:"created_by" gorm:"size:64"`
	CreatedTime      int64  `json:"created_time" gorm:"not null;default:0"`
	LastModifiedBy   string `json:"last_modified_by" gorm:"size:64"`
	LastModifiedTime int64  `json:"last_modified_time" gorm:"not null;default:0"`
}

// NowMillis returns the current time in epoch milliseconds
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Field is a single key/value entry of an extension bag
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// AdditionalFields is the schema-less extension bag attached to a record
type AdditionalFields struct {
	Schema  *string `json:"schema,omitempty"`
	Version *int    `json:"version,omitempty"`
	Fields  []Field `json:"fields,omitempty"`
}

// IsEmpty reports whether every part of the bag is unset
func (a *AdditionalFields) IsEmpty() bool {
	return a == nil || (a.Schema == nil && a.Version == nil && a.Fields == nil)
}

// IDRecord is one pre-generated identifier in a tenant's pool
type IDRecord struct {
	ID         string   `json:"id" gorm:"primaryKey;size:64"`
	TenantID   string   `json:"tenant_id" gorm:"size:64;not null;index:idx_id_pool_tenant_status,priority:1"`
	Status     IDStatus `json:"status" gorm:"type:varchar(20);not null;default:'UNASSIGNED';index:idx_id_pool_tenant_status,priority:2"`
	RowVersion int      `json:"row_version" gorm:"not null;default:1"`

	// Raw extension payload as stored; decoded into AdditionalFields on read
	AdditionalFieldsRaw string            `json:"-" gorm:"column:additional_fields;type:text"`
	AdditionalFields    *AdditionalFields `json:"additional_fields,omitempty" gorm:"-"`

	AuditDetails `gorm:"embedded"`
}

// TableName overrides the default table name
func (IDRecord) TableName() string { return "id_pool" }

// ErrMalformedAdditionalFields marks an extension payload that cannot be decoded
var ErrMalformedAdditionalFields = errors.New("malformed additional fields")

// DecodeAdditionalFields parses the stored extension payload.
// An empty bag decodes to nil.
func (r *IDRecord) DecodeAdditionalFields() error {
	r.AdditionalFields = nil
	if r.AdditionalFieldsRaw == "" || r.AdditionalFieldsRaw == "null" {
		return nil
	}

	var af AdditionalFields
	if err := json.Unmarshal([]byte(r.AdditionalFieldsRaw), &af); err != nil {
		return fmt.Errorf("%w: record %s: %v", ErrMalformedAdditionalFields, r.ID, err)
	}
	if !af.IsEmpty() {
		r.AdditionalFields = &af
	}
	return nil
}

// EncodeAdditionalFields serializes AdditionalFields into the stored column
func (r *IDRecord) EncodeAdditionalFields() error {
	if r.AdditionalFields.IsEmpty() {
		r.AdditionalFieldsRaw = ""
		return nil
	}
	b, err := json.Marshal(r.AdditionalFields)
	if err != nil {
		return err
	}
	r.AdditionalFieldsRaw = string(b)
	return nil
}
