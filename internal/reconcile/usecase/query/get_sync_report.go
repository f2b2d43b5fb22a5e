package query

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	ledger "github.com/tair/rxsync/internal/ledger/domain"
	"github.com/tair/rxsync/internal/reconcile/domain"
)

// DefaultReportHours is the trailing window used when none is given.
const DefaultReportHours = 24

// GetSyncReportQuery represents a query for sync statistics
type GetSyncReportQuery struct {
	PharmacyID *uuid.UUID
	Hours      int
}

// GetSyncReportHandler handles GetSyncReportQuery
type GetSyncReportHandler struct {
	repo ledger.Ledger
	now  func() time.Time
}

// NewGetSyncReportHandler creates a new handler
func NewGetSyncReportHandler(repo ledger.Ledger) *GetSyncReportHandler {
	return &GetSyncReportHandler{repo: repo, now: time.Now}
}

// Handle aggregates sync log rows created within the window.
func (h *GetSyncReportHandler) Handle(ctx context.Context, q GetSyncReportQuery) (*domain.SyncReport, error) {
	ctx, span := tracer.Start(ctx, "query.GetSyncReport")
	defer span.End()

	if q.Hours < 0 {
		return nil, ledger.ValidationError(ledger.CodeInvalidRequest, "hours must be positive")
	}
	if q.Hours == 0 {
		q.Hours = DefaultReportHours
	}

	now := h.now().UTC()
	counts, err := h.repo.CountSyncLogs(ctx, ledger.SyncLogFilter{
		PharmacyID: q.PharmacyID,
		Since:      now.Add(-time.Duration(q.Hours) * time.Hour),
	})
	if err != nil {
		return nil, ledger.ProcessingError("failed to aggregate sync logs", err)
	}

	report := &domain.SyncReport{
		ReportPeriodHours: q.Hours,
		PharmacyID:        q.PharmacyID,
		SyncTypes:         make(map[string]domain.TypeCounts),
		GeneratedAt:       now,
	}
	for _, c := range counts {
		tc := report.SyncTypes[c.SyncType]
		tc.Total += c.Count
		report.TotalSyncs += c.Count

		switch c.Status {
		case ledger.SyncCompleted:
			tc.Successful += c.Count
			report.SuccessfulSyncs += c.Count
		case ledger.SyncFailed:
			tc.Failed += c.Count
			report.FailedSyncs += c.Count
		default:
			report.PendingSyncs += c.Count
		}
		report.SyncTypes[c.SyncType] = tc
	}

	if report.TotalSyncs > 0 {
		rate := float64(report.SuccessfulSyncs) / float64(report.TotalSyncs) * 100
		report.SuccessRate = math.Round(rate*100) / 100
	}
	return report, nil
}
