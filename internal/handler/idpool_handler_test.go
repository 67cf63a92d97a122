package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quocanhngo/idpool/internal/config"
	"github.com/quocanhngo/idpool/internal/middleware"
	"github.com/quocanhngo/idpool/internal/model"
	"github.com/quocanhngo/idpool/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubAllocator struct {
	dispatch  func(context.Context, model.DispatchRequest) (*model.DispatchResponse, error)
	allocated func(context.Context, model.FetchAllocatedRequest) (*model.DispatchResponse, error)
	pool      func(context.Context, model.PoolSearchRequest) (*model.PoolSearchResponse, error)
	txns      func(context.Context, model.TransactionSearchRequest) (*model.TransactionSearchResponse, error)
	status    func(context.Context, model.StatusUpdateRequest) (*model.StatusUpdateResponse, error)
	reconcile func(context.Context, model.ReconcileRequest) (*model.ReconcileResponse, error)
	export    func(context.Context, model.ExportRequest) (*model.ExportResponse, error)
}

func (s *stubAllocator) Dispatch(ctx context.Context, req model.DispatchRequest) (*model.DispatchResponse, error) {
	return s.dispatch(ctx, req)
}

func (s *stubAllocator) FetchAllocated(ctx context.Context, req model.FetchAllocatedRequest) (*model.DispatchResponse, error) {
	return s.allocated(ctx, req)
}

func (s *stubAllocator) SearchPool(ctx context.Context, req model.PoolSearchRequest) (*model.PoolSearchResponse, error) {
	return s.pool(ctx, req)
}

func (s *stubAllocator) SearchTransactions(ctx context.Context, req model.TransactionSearchRequest) (*model.TransactionSearchResponse, error) {
	return s.txns(ctx, req)
}

func (s *stubAllocator) UpdateStatus(ctx context.Context, req model.StatusUpdateRequest) (*model.StatusUpdateResponse, error) {
	return s.status(ctx, req)
}

func (s *stubAllocator) Reconcile(ctx context.Context, req model.ReconcileRequest) (*model.ReconcileResponse, error) {
	return s.reconcile(ctx, req)
}

func (s *stubAllocator) ExportTransactions(ctx context.Context, req model.ExportRequest) (*model.ExportResponse, error) {
	return s.export(ctx, req)
}

func newTestRouter(t *testing.T, a Allocator, checks map[string]HealthCheck) *gin.Engine {
	t.Helper()
	cfg := &config.Config{
		App:  config.AppConfig{Env: "test", RateLimit: 1000, RateBurst: 1000},
		CORS: config.CORSConfig{Origins: []string{"http://localhost:3000"}},
	}
	return NewRouter(cfg, NewIDPoolHandler(a), checks)
}

func doJSON(t *testing.T, r http.Handler, path string, body any, withIdentity bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if withIdentity {
		req.Header.Set(middleware.HeaderTenantID, "t1")
		req.Header.Set(middleware.HeaderUserID, "u1")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) model.ErrorResponse {
	t.Helper()
	var body model.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestDispatch_PassesIdentityFromHeaders(t *testing.T) {
	var got model.DispatchRequest
	stub := &stubAllocator{dispatch: func(_ context.Context, req model.DispatchRequest) (*model.DispatchResponse, error) {
		got = req
		return &model.DispatchResponse{
			IDRecords:  []model.IDRecord{{ID: "id-1", TenantID: req.TenantID, Status: model.IDStatusDispatched}},
			FetchLimit: 9,
		}, nil
	}}
	r := newTestRouter(t, stub, nil)

	w := doJSON(t, r, "/api/v1/idpool/dispatch", map[string]any{
		"device_uuid": "d1",
		"device_info": map[string]string{"os": "android"},
		"count":       1,
	}, true)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, "u1", got.UserUUID)
	assert.Equal(t, "d1", got.DeviceUUID)
	assert.Equal(t, 1, got.Count)
	assert.JSONEq(t, `{"os":"android"}`, string(got.DeviceInfo))

	var resp model.DispatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.IDRecords, 1)
	assert.Equal(t, "id-1", resp.IDRecords[0].ID)
	assert.Equal(t, int64(9), resp.FetchLimit)
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))
}

func TestDispatch_RequiresIdentityHeaders(t *testing.T) {
	r := newTestRouter(t, &stubAllocator{}, nil)

	w := doJSON(t, r, "/api/v1/idpool/dispatch", map[string]any{"device_uuid": "d1", "count": 1}, false)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decodeError(t, w).Error)
}

func TestDispatch_BindValidation(t *testing.T) {
	r := newTestRouter(t, &stubAllocator{}, nil)

	cases := map[string]any{
		"missing device": map[string]any{"count": 1},
		"zero count":     map[string]any{"device_uuid": "d1", "count": 0},
		"negative count": map[string]any{"device_uuid": "d1", "count": -3},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := doJSON(t, r, "/api/v1/idpool/dispatch", body, true)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "invalid_request", decodeError(t, w).Error)
		})
	}
}

func TestDispatch_ErrorMapping(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{"quota", service.ErrQuotaExceeded, http.StatusTooManyRequests, "quota_exceeded", false},
		{"exhausted", &service.PoolExhaustedError{TenantID: "t1"}, http.StatusConflict, "pool_exhausted", false},
		{"busy", &service.PoolExhaustedError{TenantID: "t1", Retryable: true}, http.StatusConflict, "pool_exhausted", true},
		{"invalid", fmt.Errorf("%w: bad device", service.ErrInvalidRequest), http.StatusBadRequest, "invalid_request", false},
		{"timeout", context.DeadlineExceeded, http.StatusServiceUnavailable, "timeout", true},
		{"unknown", errors.New("db down"), http.StatusInternalServerError, "internal_error", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubAllocator{dispatch: func(context.Context, model.DispatchRequest) (*model.DispatchResponse, error) {
				return nil, tc.err
			}}
			r := newTestRouter(t, stub, nil)

			w := doJSON(t, r, "/api/v1/idpool/dispatch", map[string]any{"device_uuid": "d1", "count": 2}, true)

			require.Equal(t, tc.status, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, tc.code, body.Error)
			assert.Equal(t, tc.retryable, body.Retryable)
			assert.NotEmpty(t, body.RequestID)
			if tc.name == "unknown" {
				assert.NotContains(t, body.Message, "db down")
			}
		})
	}
}

func TestFetchAllocated(t *testing.T) {
	stub := &stubAllocator{allocated: func(_ context.Context, req model.FetchAllocatedRequest) (*model.DispatchResponse, error) {
		assert.Equal(t, "t1", req.TenantID)
		assert.Equal(t, "u1", req.UserUUID)
		assert.Equal(t, 5, req.Limit)
		return &model.DispatchResponse{IDRecords: []model.IDRecord{}, TotalCount: 12}, nil
	}}
	r := newTestRouter(t, stub, nil)

	w := doJSON(t, r, "/api/v1/idpool/dispatch/allocated", map[string]any{"device_uuid": "d1", "limit": 5}, true)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_count":12`)
}

func TestSearchPool(t *testing.T) {
	stub := &stubAllocator{pool: func(_ context.Context, req model.PoolSearchRequest) (*model.PoolSearchResponse, error) {
		assert.Equal(t, "t1", req.TenantID)
		assert.Equal(t, []string{"a", "b"}, req.IDs)
		return &model.PoolSearchResponse{
			IDRecords: []model.IDRecord{{ID: "a"}},
			Errors:    []model.RecordError{{ID: "b", Code: "data_integrity", Message: "bad payload"}},
		}, nil
	}}
	r := newTestRouter(t, stub, nil)

	w := doJSON(t, r, "/api/v1/idpool/pool/search", map[string]any{"ids": []string{"a", "b"}}, true)

	require.Equal(t, http.StatusOK, w.Code)
	var resp model.PoolSearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.IDRecords, 1)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "data_integrity", resp.Errors[0].Code)
}

func TestUpdateStatus(t *testing.T) {
	stub := &stubAllocator{status: func(_ context.Context, req model.StatusUpdateRequest) (*model.StatusUpdateResponse, error) {
		assert.Equal(t, "u1", req.UserUUID)
		assert.Equal(t, model.IDStatusAssigned, req.Status)
		return &model.StatusUpdateResponse{IDRecords: []model.IDRecord{{ID: "a", Status: model.IDStatusAssigned}}}, nil
	}}
	r := newTestRouter(t, stub, nil)

	w := doJSON(t, r, "/api/v1/idpool/pool/status", map[string]any{"ids": []string{"a"}, "status": "ASSIGNED"}, true)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, "/api/v1/idpool/pool/status", map[string]any{"ids": []string{}, "status": "ASSIGNED"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateStatus_InvalidTransitionIs400(t *testing.T) {
	stub := &stubAllocator{status: func(context.Context, model.StatusUpdateRequest) (*model.StatusUpdateResponse, error) {
		return nil, fmt.Errorf("%w: UNASSIGNED", service.ErrInvalidTransition)
	}}
	r := newTestRouter(t, stub, nil)

	w := doJSON(t, r, "/api/v1/idpool/pool/status", map[string]any{"ids": []string{"a"}, "status": "UNASSIGNED"}, true)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearchTransactions(t *testing.T) {
	stub := &stubAllocator{txns: func(_ context.Context, req model.TransactionSearchRequest) (*model.TransactionSearchResponse, error) {
		assert.Equal(t, "t1", req.TenantID)
		assert.True(t, req.RestrictToday)
		return &model.TransactionSearchResponse{TransactionLogs: []model.IDTransactionLog{}, TotalCount: 0}, nil
	}}
	r := newTestRouter(t, stub, nil)

	w := doJSON(t, r, "/api/v1/idpool/transactions/search", map[string]any{"restrict_today": true}, true)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"transaction_logs":[],"total_count":0}`, w.Body.String())
}

func TestReconcile_EmptyBody(t *testing.T) {
	stub := &stubAllocator{reconcile: func(_ context.Context, req model.ReconcileRequest) (*model.ReconcileResponse, error) {
		assert.Equal(t, "t1", req.TenantID)
		assert.Zero(t, req.Limit)
		return &model.ReconcileResponse{Recovered: []model.IDTransactionLog{}}, nil
	}}
	r := newTestRouter(t, stub, nil)

	w := doJSON(t, r, "/api/v1/idpool/reconcile", nil, true)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestExportTransactions(t *testing.T) {
	stub := &stubAllocator{export: func(_ context.Context, req model.ExportRequest) (*model.ExportResponse, error) {
		if req.Day == "" {
			return nil, service.ErrArchiveUnavailable
		}
		return &model.ExportResponse{Key: "t1/transactions/" + req.Day + ".ndjson", Count: 3}, nil
	}}
	r := newTestRouter(t, stub, nil)

	w := doJSON(t, r, "/api/v1/idpool/transactions/export", map[string]any{"day": "2024-05-01"}, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "t1/transactions/2024-05-01.ndjson")

	w = doJSON(t, r, "/api/v1/idpool/transactions/export", map[string]any{"day": "May 1st"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, "/api/v1/idpool/transactions/export", nil, true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "archive_unavailable", decodeError(t, w).Error)
}

func TestHealth(t *testing.T) {
	healthy := newTestRouter(t, &stubAllocator{}, map[string]HealthCheck{
		"database": {Check: func(context.Context) error { return nil }},
	})
	w := httptest.NewRecorder()
	healthy.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"ok"`)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	down := newTestRouter(t, &stubAllocator{}, map[string]HealthCheck{
		"database": {Check: func(context.Context) error { return errors.New("connection refused") }},
		"redis":    {Check: func(context.Context) error { return nil }, Optional: true},
	})
	w = httptest.NewRecorder()
	down.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"unavailable"`)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestHealth_OptionalDependencyDownIsDegraded(t *testing.T) {
	r := newTestRouter(t, &stubAllocator{}, map[string]HealthCheck{
		"database": {Check: func(context.Context) error { return nil }},
		"redis":    {Check: func(context.Context) error { return errors.New("dial tcp: connection refused") }, Optional: true},
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Dependencies["database"])
	assert.Contains(t, body.Dependencies["redis"], "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(t, &stubAllocator{}, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_inflight")
}
