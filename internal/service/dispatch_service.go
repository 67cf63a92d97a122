// Package service – DispatchService
//
// DispatchService hands out identifiers from a tenant's shared pool. The
// database decides ownership; the Redis cache only proposes candidates and
// keeps per user/device quota counters. Any cache failure degrades to the
// store path without affecting correctness.
//
// Once identifiers are claimed they belong to the caller: failures in the
// follow-up steps (transaction log, cache, counters) are logged and counted
// but never turn the call into an error. Reconcile repairs missing log rows.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quocanhngo/idpool/internal/cache"
	"github.com/quocanhngo/idpool/internal/metrics"
	"github.com/quocanhngo/idpool/internal/model"
	"github.com/quocanhngo/idpool/internal/repository"
	"github.com/quocanhngo/idpool/pkg/storage"
)

const (
	tracerName = "service/DispatchService"

	defaultPageSize     = 50
	maxPageSize         = 1000
	maxPoolSearch       = 1000
	defaultReconcileMax = 500
	reconcileGrace      = time.Minute
	exportPageSize      = 1000

	// Tallies whose increment never reached the cache, rewritten from the
	// log once the cache answers again
	maxUnsyncedCounters = 10000
	unsyncedFlushBatch  = 50

	// Record error codes
	codeDataIntegrity     = "data_integrity"
	codeNotFound          = "not_found"
	codeInvalidTransition = "invalid_transition"
)

// PoolStore is the authoritative identifier store
type PoolStore interface {
	ClaimUnassigned(ctx context.Context, tenantID, actorID string, count int) ([]model.IDRecord, error)
	ClaimByIDs(ctx context.Context, tenantID, actorID string, ids []string) ([]model.IDRecord, error)
	ListUnassigned(ctx context.Context, tenantID string, limit int) ([]model.IDRecord, error)
	CountUnassigned(ctx context.Context, tenantID string) (int64, error)
	FindByIDsAndStatus(ctx context.Context, tenantID string, ids []string, status model.IDStatus, limit int) ([]model.IDRecord, error)
	FindDispatchedWithoutLog(ctx context.Context, tenantID string, before int64, limit int) ([]model.IDRecord, error)
	UpdateStatus(ctx context.Context, tenantID, actorID string, ids []string, from, to model.IDStatus) ([]model.IDRecord, error)
}

// TransactionLog is the append-only dispatch history
type TransactionLog interface {
	Append(ctx context.Context, logs []model.IDTransactionLog) (int64, error)
	Search(ctx context.Context, c repository.TransactionSearchCriteria) ([]model.IDTransactionLog, int64, error)
	Count(ctx context.Context, c repository.TransactionSearchCriteria) (int64, error)
	Walk(ctx context.Context, c repository.TransactionSearchCriteria, pageSize int, fn func([]model.IDTransactionLog) error) error
}

// Cache is the shared candidate set and quota counter store
type Cache interface {
	SelectUnassigned(ctx context.Context, tenantID string, count int) ([]string, error)
	AddUnassigned(ctx context.Context, tenantID string, records []model.IDRecord) error
	MarkStatus(ctx context.Context, tenantID string, records []model.IDRecord) error
	Evict(ctx context.Context, tenantID string, ids []string) error
	GetDispatchedCount(ctx context.Context, tenantID, userUUID, deviceUUID string) (cache.Counts, error)
	IncrementDispatchedCount(ctx context.Context, tenantID, userUUID, deviceUUID string, n int64) (cache.Counts, error)
	SeedDispatchedCount(ctx context.Context, tenantID, userUUID, deviceUUID string, counts cache.Counts) error
	SetDispatchedCount(ctx context.Context, tenantID, userUUID, deviceUUID string, counts cache.Counts) error
}

// Options tunes quotas and claim behavior
type Options struct {
	LimitPerDay  int64
	LimitTotal   int64 // 0 disables the lifetime cap
	ClaimRetries int
	ClaimBackoff time.Duration
	RefillBatch  int
	// AllocatedTodayOnly restricts FetchAllocated to today's dispatches
	AllocatedTodayOnly bool
	Location           *time.Location
}

// DispatchService coordinates the pool store, transaction log and cache
type DispatchService struct {
	pool    PoolStore
	logs    TransactionLog
	cache   Cache // nil runs store-only
	archive storage.Archive
	opts    Options
	now     func() time.Time

	unsyncedMu sync.Mutex
	unsynced   map[counterKey]struct{}
}

type counterKey struct {
	tenantID, userUUID, deviceUUID string
}

// NewDispatchService wires the service. cache and archive may be nil.
func NewDispatchService(pool PoolStore, logs TransactionLog, c Cache, archive storage.Archive, opts Options) *DispatchService {
	if opts.ClaimRetries < 1 {
		opts.ClaimRetries = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &DispatchService{
		pool:    pool,
		logs:    logs,
		cache:   c,
		archive: archive,
		opts:    opts,
		now:     time.Now,

		unsynced: make(map[counterKey]struct{}),
	}
}

// Dispatch claims up to req.Count identifiers for the user/device, capped by
// the remaining quota.
func (s *DispatchService) Dispatch(ctx context.Context, req model.DispatchRequest) (*model.DispatchResponse, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Dispatch",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("device.id", req.DeviceUUID),
			attribute.Int("dispatch.requested", req.Count),
		),
	)
	defer span.End()

	start := s.now()
	outcome := "error"
	defer func() {
		metrics.DispatchRequests.WithLabelValues(req.TenantID, outcome).Inc()
		metrics.DispatchDuration.WithLabelValues(req.TenantID).Observe(time.Since(start).Seconds())
	}()

	if err := requireContext(req.TenantID, req.UserUUID); err != nil {
		return nil, err
	}
	if req.DeviceUUID == "" {
		return nil, invalid("device_uuid is required")
	}
	if req.Count < 1 {
		return nil, invalid("count must be at least 1")
	}

	key := counterKey{tenantID: req.TenantID, userUUID: req.UserUUID, deviceUUID: req.DeviceUUID}
	usage := s.usage(ctx, key)
	remaining := s.remaining(usage)
	if remaining <= 0 {
		outcome = "quota_exceeded"
		span.SetStatus(codes.Error, ErrQuotaExceeded.Error())
		return nil, ErrQuotaExceeded
	}
	count := req.Count
	if int64(count) > remaining {
		count = int(remaining)
	}

	claimed, err := s.claim(ctx, req.TenantID, req.UserUUID, count)
	if err != nil {
		var exhausted *PoolExhaustedError
		if errors.As(err, &exhausted) {
			outcome = "exhausted"
			if exhausted.Retryable {
				outcome = "busy"
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.recordDispatch(ctx, req, claimed)

	n := int64(len(claimed))
	usage.Daily += n
	usage.Total += n
	if s.cache != nil {
		counts, err := s.cache.IncrementDispatchedCount(ctx, req.TenantID, req.UserUUID, req.DeviceUUID, n)
		switch {
		case err == nil:
			usage = counts
		case errors.Is(err, cache.ErrCounterMissing):
			// The log already holds this dispatch; the next call seeds from it
			zerolog.Ctx(ctx).Debug().Msg("dispatch counter not cached, skipping increment")
		default:
			s.postClaimFailure(ctx, "counter_increment", err)
			s.markUnsynced(ctx, key)
		}
	}

	outcome = "ok"
	if len(claimed) < req.Count {
		outcome = "partial"
	}
	span.SetAttributes(attribute.Int("dispatch.claimed", len(claimed)))

	recordErrs := s.decodeRecords(claimed)
	return &model.DispatchResponse{
		IDRecords:  claimed,
		Errors:     recordErrs,
		FetchLimit: max(s.opts.LimitPerDay-usage.Daily, 0),
		TotalLimit: s.totalLeft(usage),
	}, nil
}

// claim takes cache candidates first, then asks the store for the shortfall.
// Returns the claimed records ordered by id.
func (s *DispatchService) claim(ctx context.Context, tenantID, actorID string, count int) ([]model.IDRecord, error) {
	lg := zerolog.Ctx(ctx)
	claimed := make([]model.IDRecord, 0, count)

	candidates := s.cacheCandidates(ctx, tenantID, count)
	if len(candidates) > 0 {
		got, err := s.pool.ClaimByIDs(ctx, tenantID, actorID, candidates)
		claimed = append(claimed, got...)
		metrics.DispatchedIDs.WithLabelValues(tenantID, "cache").Add(float64(len(got)))

		if err != nil {
			// The shortfall loop below retries against the store
			lg.Warn().Err(err).Int("claimed", len(got)).Msg("claiming cached candidates failed")
		} else if rejected := missing(candidates, got); len(rejected) > 0 {
			lg.Debug().Int("rejected", len(rejected)).Msg("evicting stale cache candidates")
			if err := s.cache.Evict(ctx, tenantID, rejected); err != nil {
				s.cacheFailure(ctx, "evict", err)
			}
		}
	}

	rounds := 0
	for rounds < s.opts.ClaimRetries && len(claimed) < count {
		rounds++
		need := count - len(claimed)
		got, err := s.pool.ClaimUnassigned(ctx, tenantID, actorID, need)
		claimed = append(claimed, got...)
		metrics.DispatchedIDs.WithLabelValues(tenantID, "store").Add(float64(len(got)))
		if err != nil {
			if len(claimed) == 0 {
				return nil, fmt.Errorf("claim unassigned: %w", err)
			}
			// Keep what we already own
			lg.Error().Err(err).Int("claimed", len(claimed)).Msg("claim round failed, returning partial result")
			break
		}
		if len(got) == need {
			break
		}
		if len(got) == 0 {
			left, err := s.pool.CountUnassigned(ctx, tenantID)
			if err != nil || left == 0 {
				break
			}
		}
		if rounds < s.opts.ClaimRetries {
			if err := sleepCtx(ctx, s.opts.ClaimBackoff*time.Duration(rounds)); err != nil {
				break
			}
		}
	}
	metrics.ClaimRounds.Observe(float64(rounds))

	if len(claimed) == 0 {
		left, err := s.pool.CountUnassigned(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("count unassigned: %w", err)
		}
		return nil, &PoolExhaustedError{TenantID: tenantID, Retryable: left > 0}
	}

	sortRecords(claimed)
	return claimed, nil
}

// cacheCandidates asks the cache for candidates, refilling it from the store
// when it runs short. Errors are treated as an empty cache.
func (s *DispatchService) cacheCandidates(ctx context.Context, tenantID string, count int) []string {
	if s.cache == nil {
		return nil
	}
	candidates, err := s.cache.SelectUnassigned(ctx, tenantID, count)
	if err != nil {
		s.cacheFailure(ctx, "select", err)
		return nil
	}
	if len(candidates) >= count || s.opts.RefillBatch <= 0 {
		return candidates
	}

	batch, err := s.pool.ListUnassigned(ctx, tenantID, max(s.opts.RefillBatch, count))
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("cache refill read failed")
		return candidates
	}
	if len(batch) == 0 {
		return candidates
	}
	if err := s.cache.AddUnassigned(ctx, tenantID, batch); err != nil {
		s.cacheFailure(ctx, "refill", err)
		return candidates
	}
	refilled, err := s.cache.SelectUnassigned(ctx, tenantID, count)
	if err != nil {
		s.cacheFailure(ctx, "select", err)
		return candidates
	}
	return refilled
}

// recordDispatch appends the log rows and updates the cache for freshly
// claimed records
func (s *DispatchService) recordDispatch(ctx context.Context, req model.DispatchRequest, claimed []model.IDRecord) {
	now := s.now().UnixMilli()
	rows := make([]model.IDTransactionLog, len(claimed))
	for i, r := range claimed {
		rows[i] = model.IDTransactionLog{
			ID:         r.ID,
			UserUUID:   req.UserUUID,
			DeviceUUID: req.DeviceUUID,
			DeviceInfo: req.DeviceInfo,
			Status:     model.IDStatusDispatched,
			TenantID:   req.TenantID,
			AuditDetails: model.AuditDetails{
				CreatedBy:        req.UserUUID,
				CreatedTime:      now,
				LastModifiedBy:   req.UserUUID,
				LastModifiedTime: now,
			},
		}
	}
	if _, err := s.logs.Append(ctx, rows); err != nil {
		s.postClaimFailure(ctx, "log_append", err)
	}

	if s.cache != nil {
		if err := s.cache.MarkStatus(ctx, req.TenantID, claimed); err != nil {
			s.postClaimFailure(ctx, "cache_mark", err)
		}
	}
}

// usage returns the user/device tallies, from the cache when it answers and
// from the transaction log otherwise. Tallies the cache lost are rebuilt from
// the log.
func (s *DispatchService) usage(ctx context.Context, k counterKey) cache.Counts {
	if s.cache != nil {
		counts, err := s.cache.GetDispatchedCount(ctx, k.tenantID, k.userUUID, k.deviceUUID)
		if (err == nil || errors.Is(err, cache.ErrCounterMissing)) && s.flushUnsynced(ctx, k) {
			counts, err = s.cache.GetDispatchedCount(ctx, k.tenantID, k.userUUID, k.deviceUUID)
		}
		switch {
		case err == nil:
			return counts
		case errors.Is(err, cache.ErrCounterMissing):
			return s.seedCounts(ctx, k)
		default:
			s.cacheFailure(ctx, "get_count", err)
		}
	}
	counts, err := s.countFromLog(ctx, k, s.opts.LimitTotal > 0)
	if err != nil {
		// Without any tally we cannot enforce the quota more strictly than the limit
		zerolog.Ctx(ctx).Error().Err(err).Msg("dispatch count unavailable")
	}
	return counts
}

// seedCounts creates missing cached tallies from the log. Keys another caller
// created in the meantime win, and the cached values are returned.
func (s *DispatchService) seedCounts(ctx context.Context, k counterKey) cache.Counts {
	fromLog, err := s.countFromLog(ctx, k, true)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("dispatch count unavailable")
		return fromLog
	}
	if err := s.cache.SeedDispatchedCount(ctx, k.tenantID, k.userUUID, k.deviceUUID, fromLog); err != nil {
		s.cacheFailure(ctx, "seed_count", err)
		return fromLog
	}
	counts, err := s.cache.GetDispatchedCount(ctx, k.tenantID, k.userUUID, k.deviceUUID)
	if err != nil {
		if !errors.Is(err, cache.ErrCounterMissing) {
			s.cacheFailure(ctx, "get_count", err)
		}
		return fromLog
	}
	return counts
}

// markUnsynced remembers a tally whose increment was lost
func (s *DispatchService) markUnsynced(ctx context.Context, k counterKey) {
	s.unsyncedMu.Lock()
	defer s.unsyncedMu.Unlock()
	if len(s.unsynced) >= maxUnsyncedCounters {
		zerolog.Ctx(ctx).Warn().Str("device_uuid", k.deviceUUID).Msg("unsynced dispatch counters full, dropping")
		return
	}
	s.unsynced[k] = struct{}{}
}

// flushUnsynced rewrites a batch of tallies that missed increments while the
// cache was unreachable, current first. Reports whether current was rewritten.
func (s *DispatchService) flushUnsynced(ctx context.Context, current counterKey) bool {
	s.unsyncedMu.Lock()
	if len(s.unsynced) == 0 {
		s.unsyncedMu.Unlock()
		return false
	}
	batch := make([]counterKey, 0, min(len(s.unsynced), unsyncedFlushBatch))
	if _, ok := s.unsynced[current]; ok {
		batch = append(batch, current)
	}
	for k := range s.unsynced {
		if len(batch) == cap(batch) {
			break
		}
		if k != current {
			batch = append(batch, k)
		}
	}
	s.unsyncedMu.Unlock()

	rewritten := false
	for _, k := range batch {
		counts, err := s.countFromLog(ctx, k, true)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("recounting unsynced dispatch counter failed")
			break
		}
		if err := s.cache.SetDispatchedCount(ctx, k.tenantID, k.userUUID, k.deviceUUID, counts); err != nil {
			s.cacheFailure(ctx, "resync_count", err)
			break
		}
		s.unsyncedMu.Lock()
		delete(s.unsynced, k)
		s.unsyncedMu.Unlock()
		if k == current {
			rewritten = true
		}
	}
	return rewritten
}

// countFromLog tallies dispatches in the log. The lifetime total costs an
// extra query and is only counted when withTotal is set.
func (s *DispatchService) countFromLog(ctx context.Context, k counterKey, withTotal bool) (cache.Counts, error) {
	criteria := repository.TransactionSearchCriteria{
		TenantID:   k.tenantID,
		UserUUID:   k.userUUID,
		DeviceUUID: k.deviceUUID,
		Status:     model.IDStatusDispatched,
		Since:      s.startOfDay(),
	}
	var counts cache.Counts
	var err error
	if counts.Daily, err = s.logs.Count(ctx, criteria); err != nil {
		return cache.Counts{}, err
	}
	if withTotal {
		criteria.Since = 0
		if counts.Total, err = s.logs.Count(ctx, criteria); err != nil {
			return cache.Counts{}, err
		}
	}
	return counts, nil
}

func (s *DispatchService) remaining(usage cache.Counts) int64 {
	left := s.opts.LimitPerDay - usage.Daily
	if s.opts.LimitTotal > 0 {
		left = min(left, s.opts.LimitTotal-usage.Total)
	}
	return left
}

func (s *DispatchService) totalLeft(usage cache.Counts) int64 {
	if s.opts.LimitTotal <= 0 {
		return 0
	}
	return max(s.opts.LimitTotal-usage.Total, 0)
}

// FetchAllocated pages through identifiers already dispatched to the
// user/device and resyncs the cached counters with the log.
func (s *DispatchService) FetchAllocated(ctx context.Context, req model.FetchAllocatedRequest) (*model.DispatchResponse, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "FetchAllocated",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("device.id", req.DeviceUUID),
		),
	)
	defer span.End()

	if err := requireContext(req.TenantID, req.UserUUID); err != nil {
		return nil, err
	}
	if req.DeviceUUID == "" {
		return nil, invalid("device_uuid is required")
	}

	criteria := repository.TransactionSearchCriteria{
		TenantID:   req.TenantID,
		UserUUID:   req.UserUUID,
		DeviceUUID: req.DeviceUUID,
		Status:     model.IDStatusDispatched,
		Limit:      pageSize(req.Limit),
		Offset:     req.Offset,
	}
	if s.opts.AllocatedTodayOnly {
		criteria.Since = s.startOfDay()
	}
	rows, total, err := s.logs.Search(ctx, criteria)
	if err != nil {
		return nil, err
	}

	records := []model.IDRecord{}
	if len(rows) > 0 {
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		if records, err = s.pool.FindByIDsAndStatus(ctx, req.TenantID, ids, "", 0); err != nil {
			return nil, err
		}
	}

	key := counterKey{tenantID: req.TenantID, userUUID: req.UserUUID, deviceUUID: req.DeviceUUID}
	usage, err := s.countFromLog(ctx, key, s.opts.LimitTotal > 0)
	if err != nil {
		return nil, err
	}
	s.resyncCounts(ctx, key, usage)

	return &model.DispatchResponse{
		IDRecords:  records,
		Errors:     s.decodeRecords(records),
		FetchLimit: max(s.opts.LimitPerDay-usage.Daily, 0),
		TotalLimit: s.totalLeft(usage),
		TotalCount: total,
	}, nil
}

// resyncCounts overwrites cached tallies that disagree with the log and
// seeds missing ones
func (s *DispatchService) resyncCounts(ctx context.Context, k counterKey, fromLog cache.Counts) {
	if s.cache == nil {
		return
	}
	cached, err := s.cache.GetDispatchedCount(ctx, k.tenantID, k.userUUID, k.deviceUUID)
	if errors.Is(err, cache.ErrCounterMissing) {
		s.seedCounts(ctx, k)
		return
	}
	if err != nil {
		s.cacheFailure(ctx, "get_count", err)
		return
	}
	if s.opts.LimitTotal <= 0 {
		// Lifetime total was not counted from the log; keep the cached one
		fromLog.Total = cached.Total
	}
	if cached == fromLog {
		return
	}
	zerolog.Ctx(ctx).Info().
		Int64("cached_daily", cached.Daily).
		Int64("log_daily", fromLog.Daily).
		Msg("resyncing dispatch counters")
	if err := s.cache.SetDispatchedCount(ctx, k.tenantID, k.userUUID, k.deviceUUID, fromLog); err != nil {
		s.cacheFailure(ctx, "set_count", err)
	}
}

// SearchPool reads pool records by ids and/or status
func (s *DispatchService) SearchPool(ctx context.Context, req model.PoolSearchRequest) (*model.PoolSearchResponse, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "SearchPool",
		trace.WithAttributes(attribute.String("tenant.id", req.TenantID)),
	)
	defer span.End()

	if req.TenantID == "" {
		return nil, invalid("tenant is required")
	}
	if len(req.IDs) == 0 && req.Status == "" {
		return nil, invalid("ids or status is required")
	}
	if req.Status != "" && !req.Status.Valid() {
		return nil, invalid("unknown status %q", req.Status)
	}

	limit := 0
	if len(req.IDs) == 0 {
		limit = maxPoolSearch
	}
	records, err := s.pool.FindByIDsAndStatus(ctx, req.TenantID, req.IDs, req.Status, limit)
	if err != nil {
		return nil, err
	}
	return &model.PoolSearchResponse{
		IDRecords: records,
		Errors:    s.decodeRecords(records),
	}, nil
}

// SearchTransactions reads the transaction log, newest first
func (s *DispatchService) SearchTransactions(ctx context.Context, req model.TransactionSearchRequest) (*model.TransactionSearchResponse, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "SearchTransactions",
		trace.WithAttributes(attribute.String("tenant.id", req.TenantID)),
	)
	defer span.End()

	if req.TenantID == "" {
		return nil, invalid("tenant is required")
	}
	if req.Status != "" && !req.Status.Valid() {
		return nil, invalid("unknown status %q", req.Status)
	}

	criteria := repository.TransactionSearchCriteria{
		TenantID:   req.TenantID,
		DeviceUUID: req.DeviceUUID,
		UserUUID:   req.UserUUID,
		Status:     req.Status,
		Limit:      pageSize(req.Limit),
		Offset:     req.Offset,
	}
	if req.RestrictToday {
		criteria.Since = s.startOfDay()
	}
	rows, total, err := s.logs.Search(ctx, criteria)
	if err != nil {
		return nil, err
	}
	return &model.TransactionSearchResponse{TransactionLogs: rows, TotalCount: total}, nil
}

// UpdateStatus moves dispatched records forward to ASSIGNED. Records that
// cannot make that move are reported per record.
func (s *DispatchService) UpdateStatus(ctx context.Context, req model.StatusUpdateRequest) (*model.StatusUpdateResponse, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "UpdateStatus",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("status.target", string(req.Status)),
			attribute.Int("status.ids", len(req.IDs)),
		),
	)
	defer span.End()

	if err := requireContext(req.TenantID, req.UserUUID); err != nil {
		return nil, err
	}
	if len(req.IDs) == 0 {
		return nil, invalid("ids is required")
	}
	if !req.Status.Valid() {
		return nil, invalid("unknown status %q", req.Status)
	}
	// Dispatch is the only way into DISPATCHED
	from := model.IDStatusDispatched
	if !from.CanAdvanceTo(req.Status) {
		return nil, fmt.Errorf("%w: cannot set %s directly", ErrInvalidTransition, req.Status)
	}

	updated, err := s.pool.UpdateStatus(ctx, req.TenantID, req.UserUUID, req.IDs, from, req.Status)
	if err != nil {
		return nil, err
	}

	recordErrs, err := s.explainSkipped(ctx, req.TenantID, req.IDs, updated, from, req.Status)
	if err != nil {
		return nil, err
	}

	if len(updated) > 0 {
		now := s.now().UnixMilli()
		rows := make([]model.IDTransactionLog, len(updated))
		for i, r := range updated {
			rows[i] = model.IDTransactionLog{
				ID:         r.ID,
				UserUUID:   req.UserUUID,
				DeviceUUID: model.DeviceSystemUpdated,
				Status:     req.Status,
				TenantID:   req.TenantID,
				AuditDetails: model.AuditDetails{
					CreatedBy:        req.UserUUID,
					CreatedTime:      now,
					LastModifiedBy:   req.UserUUID,
					LastModifiedTime: now,
				},
			}
		}
		if _, err := s.logs.Append(ctx, rows); err != nil {
			s.postClaimFailure(ctx, "log_append", err)
		}
		if s.cache != nil {
			if err := s.cache.MarkStatus(ctx, req.TenantID, updated); err != nil {
				s.cacheFailure(ctx, "mark", err)
			}
		}
	}

	recordErrs = append(recordErrs, s.decodeRecords(updated)...)
	return &model.StatusUpdateResponse{IDRecords: updated, Errors: recordErrs}, nil
}

// explainSkipped builds a per-record error for every requested id that was
// not updated
func (s *DispatchService) explainSkipped(ctx context.Context, tenantID string, ids []string, updated []model.IDRecord, from, to model.IDStatus) ([]model.RecordError, error) {
	skipped := missing(ids, updated)
	if len(skipped) == 0 {
		return nil, nil
	}
	current, err := s.pool.FindByIDsAndStatus(ctx, tenantID, skipped, "", 0)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.IDStatus, len(current))
	for _, r := range current {
		byID[r.ID] = r.Status
	}

	errs := make([]model.RecordError, 0, len(skipped))
	for _, id := range skipped {
		status, ok := byID[id]
		if !ok {
			errs = append(errs, model.RecordError{ID: id, Code: codeNotFound, Message: "record not found"})
			continue
		}
		var msg string
		switch {
		case status == to:
			msg = fmt.Sprintf("already %s", to)
		case status.CanAdvanceTo(to):
			msg = fmt.Sprintf("became %s during the update, retry", status)
		default:
			msg = fmt.Sprintf("cannot move from %s to %s, expected %s", status, to, from)
		}
		errs = append(errs, model.RecordError{ID: id, Code: codeInvalidTransition, Message: msg})
	}
	return errs, nil
}

// Reconcile writes the missing log rows of records that were claimed but
// never logged
func (s *DispatchService) Reconcile(ctx context.Context, req model.ReconcileRequest) (*model.ReconcileResponse, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Reconcile",
		trace.WithAttributes(attribute.String("tenant.id", req.TenantID)),
	)
	defer span.End()

	if req.TenantID == "" {
		return nil, invalid("tenant is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultReconcileMax
	}

	before := s.now().Add(-reconcileGrace).UnixMilli()
	orphans, err := s.pool.FindDispatchedWithoutLog(ctx, req.TenantID, before, limit)
	if err != nil {
		return nil, err
	}
	if len(orphans) == 0 {
		return &model.ReconcileResponse{Recovered: []model.IDTransactionLog{}}, nil
	}

	rows := make([]model.IDTransactionLog, len(orphans))
	for i, r := range orphans {
		rows[i] = model.IDTransactionLog{
			ID:         r.ID,
			UserUUID:   r.LastModifiedBy,
			DeviceUUID: model.DeviceSystemReconciled,
			Status:     model.IDStatusDispatched,
			TenantID:   req.TenantID,
			AuditDetails: model.AuditDetails{
				CreatedBy:        r.LastModifiedBy,
				CreatedTime:      r.LastModifiedTime,
				LastModifiedBy:   r.LastModifiedBy,
				LastModifiedTime: r.LastModifiedTime,
			},
		}
	}
	if _, err := s.logs.Append(ctx, rows); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.MarkStatus(ctx, req.TenantID, orphans); err != nil {
			s.cacheFailure(ctx, "mark", err)
		}
	}

	metrics.ReconciledIDs.WithLabelValues(req.TenantID).Add(float64(len(rows)))
	zerolog.Ctx(ctx).Info().Str("tenant_id", req.TenantID).Int("recovered", len(rows)).Msg("reconciled dispatch log")
	return &model.ReconcileResponse{Recovered: rows}, nil
}

// ExportTransactions archives one day of the tenant's transaction log as
// newline-delimited JSON
func (s *DispatchService) ExportTransactions(ctx context.Context, req model.ExportRequest) (*model.ExportResponse, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ExportTransactions",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("export.day", req.Day),
		),
	)
	defer span.End()

	if req.TenantID == "" {
		return nil, invalid("tenant is required")
	}
	if s.archive == nil {
		return nil, ErrArchiveUnavailable
	}

	dayStart := s.dayStart(s.now())
	if req.Day != "" {
		parsed, err := time.ParseInLocation(time.DateOnly, req.Day, s.opts.Location)
		if err != nil {
			return nil, invalid("day must be yyyy-mm-dd")
		}
		dayStart = parsed
	}
	day := dayStart.Format(time.DateOnly)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	count := 0
	criteria := repository.TransactionSearchCriteria{
		TenantID: req.TenantID,
		Since:    dayStart.UnixMilli(),
		Until:    dayStart.AddDate(0, 0, 1).UnixMilli(),
	}
	err := s.logs.Walk(ctx, criteria, exportPageSize, func(page []model.IDTransactionLog) error {
		for i := range page {
			if err := enc.Encode(&page[i]); err != nil {
				return err
			}
		}
		count += len(page)
		return nil
	})
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s/transactions/%s.ndjson", req.TenantID, day)
	res, err := s.archive.Put(ctx, key, &buf, int64(buf.Len()), "application/x-ndjson")
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().Str("key", res.Key).Int("rows", count).Msg("exported transaction log")
	return &model.ExportResponse{Key: res.Key, URL: res.URL, Count: count}, nil
}

// decodeRecords parses each record's extension payload in place and reports
// the ones that cannot be decoded
func (s *DispatchService) decodeRecords(records []model.IDRecord) []model.RecordError {
	var errs []model.RecordError
	for i := range records {
		if err := records[i].DecodeAdditionalFields(); err != nil {
			integrity := &DataIntegrityError{ID: records[i].ID, Err: err}
			metrics.DataIntegrityErrors.Inc()
			errs = append(errs, model.RecordError{
				ID:      records[i].ID,
				Code:    codeDataIntegrity,
				Message: integrity.Error(),
			})
		}
	}
	return errs
}

func (s *DispatchService) cacheFailure(ctx context.Context, op string, err error) {
	metrics.CacheErrors.WithLabelValues(op).Inc()
	zerolog.Ctx(ctx).Warn().Err(err).Str("op", op).Msg("cache unavailable, using store")
}

func (s *DispatchService) postClaimFailure(ctx context.Context, step string, err error) {
	metrics.PostClaimFailures.WithLabelValues(step).Inc()
	zerolog.Ctx(ctx).Error().Err(err).Str("step", step).Msg("post-claim step failed")
}

func (s *DispatchService) startOfDay() int64 {
	return s.dayStart(s.now()).UnixMilli()
}

// dayStart returns midnight of t's calendar day in the service time zone
func (s *DispatchService) dayStart(t time.Time) time.Time {
	local := t.In(s.opts.Location)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.opts.Location)
}

func requireContext(tenantID, userUUID string) error {
	if tenantID == "" {
		return invalid("tenant is required")
	}
	if userUUID == "" {
		return invalid("user is required")
	}
	return nil
}

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return min(limit, maxPageSize)
}

// missing returns the ids not present in records, in input order
func missing(ids []string, records []model.IDRecord) []string {
	have := make(map[string]struct{}, len(records))
	for _, r := range records {
		have[r.ID] = struct{}{}
	}
	var out []string
	for _, id := range ids {
		if _, ok := have[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func sortRecords(records []model.IDRecord) {
	slices.SortFunc(records, func(a, b model.IDRecord) int { return strings.Compare(a.ID, b.ID) })
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
