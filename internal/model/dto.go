package model

// ========== Dispatch DTOs ==========

// DispatchRequest asks for count fresh identifiers for one user/device.
// TenantID and UserUUID come from the request context, not the body.
type DispatchRequest struct {
	TenantID   string   `json:"-"`
	UserUUID   string   `json:"-"`
	DeviceUUID string   `json:"device_uuid" binding:"required,max=64"`
	DeviceInfo JSONText `json:"device_info" swaggertype:"object"`
	Count      int      `json:"count" binding:"required,min=1"`
}

// FetchAllocatedRequest pages through identifiers already dispatched to a user/device
type FetchAllocatedRequest struct {
	TenantID   string `json:"-"`
	UserUUID   string `json:"-"`
	DeviceUUID string `json:"device_uuid" binding:"required,max=64"`
	Limit      int    `json:"limit" binding:"omitempty,min=1,max=1000"`
	Offset     int    `json:"offset" binding:"omitempty,min=0"`
}

// RecordError reports a per-record problem without failing the whole call
type RecordError struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type DispatchResponse struct {
	IDRecords  []IDRecord    `json:"id_records"`
	Errors     []RecordError `json:"errors,omitempty"`
	FetchLimit int64         `json:"fetch_limit"` // quota left after this call
	TotalLimit int64         `json:"total_limit,omitempty"` // lifetime quota left, when capped
	TotalCount int64         `json:"total_count,omitempty"` // only set for allocated fetches
}

// ========== Search DTOs ==========

type PoolSearchRequest struct {
	TenantID string   `json:"-"`
	IDs      []string `json:"ids" binding:"omitempty,max=1000"`
	Status   IDStatus `json:"status"`
}

type PoolSearchResponse struct {
	IDRecords []IDRecord    `json:"id_records"`
	Errors    []RecordError `json:"errors,omitempty"`
}

type TransactionSearchRequest struct {
	TenantID      string   `json:"-"`
	DeviceUUID    string   `json:"device_uuid"`
	UserUUID      string   `json:"user_uuid"`
	Status        IDStatus `json:"status"`
	RestrictToday bool     `json:"restrict_today"`
	Limit         int      `json:"limit" binding:"omitempty,min=1,max=1000"`
	Offset        int      `json:"offset" binding:"omitempty,min=0"`
}

type TransactionSearchResponse struct {
	TransactionLogs []IDTransactionLog `json:"transaction_logs"`
	TotalCount      int64              `json:"total_count"`
}

// ========== Status update DTOs ==========

type StatusUpdateRequest struct {
	TenantID string   `json:"-"`
	UserUUID string   `json:"-"`
	IDs      []string `json:"ids" binding:"required,min=1,max=1000"`
	Status   IDStatus `json:"status" binding:"required"`
}

type StatusUpdateResponse struct {
	IDRecords []IDRecord    `json:"id_records"`
	Errors    []RecordError `json:"errors,omitempty"`
}

// ========== Maintenance DTOs ==========

type ReconcileRequest struct {
	TenantID string `json:"-"`
	Limit    int    `json:"limit" binding:"omitempty,min=1,max=10000"`
}

type ReconcileResponse struct {
	Recovered []IDTransactionLog `json:"recovered"`
}

type ExportRequest struct {
	TenantID string `json:"-"`
	Day      string `json:"day" binding:"omitempty,datetime=2006-01-02"` // defaults to today
}

type ExportResponse struct {
	Key   string `json:"key"`
	URL   string `json:"url"`
	Count int    `json:"count"`
}

// ========== Common ==========

type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}
