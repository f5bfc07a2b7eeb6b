// Package dealsync is the entry point used by the API and CLI. It validates
// requests, serializes work per deal, records sync runs and delegates to the
// Pipedrive client.
package dealsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"dealsync/internal/lock"
	"dealsync/internal/model"
	"dealsync/internal/observability"
	"dealsync/internal/pipedrive"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrDealBusy        = errors.New("deal is being synced by another request")
	ErrRunsUnavailable = errors.New("sync run history is not configured")
)

const maxRunLimit = 100

var validate = validator.New(validator.WithRequiredStructEnabled())

// CRM is the subset of *pipedrive.Client the service drives.
type CRM interface {
	ReplaceDealProducts(ctx context.Context, dealID int, lines []pipedrive.Line) (pipedrive.Report, error)
	UpdateDealFields(ctx context.Context, dealID int, fields map[string]any) error
	SetOneShotAmount(ctx context.Context, dealID int, amount float64) error
	SetProposalURL(ctx context.Context, dealID int, url string) error
	SetTechScopeURL(ctx context.Context, dealID int, url string) error
	AssignMapacheMember(ctx context.Context, dealID int, name string) error
	GetDealSummary(ctx context.Context, dealID int) (pipedrive.DealSummary, error)
	SearchDealsByMapacheAssigned(ctx context.Context, name string) ([]pipedrive.DealSummary, error)
	SearchDealsByMapacheLabels(ctx context.Context, labels []string) ([]pipedrive.DealSummary, error)
	SearchDealsByOwnerName(ctx context.Context, name string) ([]pipedrive.DealSummary, error)
	SearchDealsByOwnerEmails(ctx context.Context, emails []string) ([]pipedrive.DealSummary, error)
	ListMapacheOptions(ctx context.Context) ([]pipedrive.Option, error)
}

// Locker serializes work on one deal. It fails with lock.ErrLockNotAcquired when
// the deal is held elsewhere.
type Locker interface {
	WithLock(ctx context.Context, dealID int, fn func() error) error
}

// RunRecorder persists sync runs.
type RunRecorder interface {
	Save(ctx context.Context, run *model.SyncRun) error
	ListByDeal(ctx context.Context, dealID, limit int) ([]model.SyncRun, error)
}

// SyncRequest is the desired state of a deal's proposal: its product lines and
// optionally the custom fields written alongside them. Lines must be present; an
// explicit empty list removes every line from the deal.
type SyncRequest struct {
	Lines         []pipedrive.Line `json:"lines" validate:"required,dive"`
	OneShotAmount *float64         `json:"one_shot_amount,omitempty" validate:"omitempty,gte=0"`
	ProposalURL   string           `json:"proposal_url,omitempty" validate:"omitempty,url"`
	TechScopeURL  string           `json:"tech_scope_url,omitempty" validate:"omitempty,url"`
}

type SyncResult struct {
	Report   pipedrive.Report `json:"report"`
	Warnings []string         `json:"warnings"`
}

type Service struct {
	crm      CRM
	locker   Locker
	recorder RunRecorder
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

func WithRecorder(r RunRecorder) Option { return func(s *Service) { s.recorder = r } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(crm CRM, opts ...Option) *Service {
	s := &Service{crm: crm, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.OrNop(s.logger).Named("dealsync")
	return s
}

// SyncProposal replaces the deal's product lines and writes the optional fields.
// Partial failures are returned as warnings; only a failure to read the deal's
// current lines is an error.
func (s *Service) SyncProposal(ctx context.Context, dealID int, req SyncRequest) (SyncResult, error) {
	if err := checkDealID(dealID); err != nil {
		return SyncResult{}, err
	}
	for i := range req.Lines {
		req.Lines[i].SKU = strings.TrimSpace(req.Lines[i].SKU)
	}
	if err := validate.Struct(req); err != nil {
		return SyncResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var result SyncResult
	err := s.withDeal(ctx, dealID, func() error {
		var err error
		result, err = s.syncProposal(ctx, dealID, req)
		return err
	})
	return result, err
}

func (s *Service) syncProposal(ctx context.Context, dealID int, req SyncRequest) (SyncResult, error) {
	started := s.now()
	report, err := s.crm.ReplaceDealProducts(ctx, dealID, req.Lines)
	s.record(ctx, dealID, report, err, started)
	if err != nil {
		observability.SyncRunsTotal.WithLabelValues("error").Inc()
		return SyncResult{}, fmt.Errorf("sync deal %d: %w", dealID, err)
	}

	warnings := []string{}
	if report.Partial() {
		warnings = reportWarnings(report)
	}
	fieldWrites := []struct {
		name  string
		apply func() error
		set   bool
	}{
		{"one_shot_amount", func() error { return s.crm.SetOneShotAmount(ctx, dealID, *req.OneShotAmount) }, req.OneShotAmount != nil},
		{"proposal_url", func() error { return s.crm.SetProposalURL(ctx, dealID, req.ProposalURL) }, req.ProposalURL != ""},
		{"tech_scope_url", func() error { return s.crm.SetTechScopeURL(ctx, dealID, req.TechScopeURL) }, req.TechScopeURL != ""},
	}
	for _, w := range fieldWrites {
		if !w.set {
			continue
		}
		if err := w.apply(); err != nil {
			s.logger.Warn("field write failed", zap.Int("deal_id", dealID), zap.String("field", w.name), zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("%s not updated: %v", w.name, err))
		}
	}

	result := "ok"
	if len(warnings) > 0 {
		result = "partial"
	}
	observability.SyncRunsTotal.WithLabelValues(result).Inc()
	s.logger.Info("deal synced",
		zap.Int("deal_id", dealID),
		zap.String("result", result),
		zap.Int("deleted", report.Deleted),
		zap.Int("added", report.Added),
		zap.Int("warnings", len(warnings)),
	)
	return SyncResult{Report: report, Warnings: warnings}, nil
}

func reportWarnings(r pipedrive.Report) []string {
	var warnings []string
	if len(r.MissingSKUs) > 0 {
		warnings = append(warnings, "no product found for SKUs: "+strings.Join(r.MissingSKUs, ", "))
	}
	if len(r.FailedSKUs) > 0 {
		warnings = append(warnings, "could not add SKUs: "+strings.Join(r.FailedSKUs, ", "))
	}
	if len(r.FailedDeletes) > 0 {
		ids := make([]string, 0, len(r.FailedDeletes))
		for _, id := range r.FailedDeletes {
			ids = append(ids, fmt.Sprint(id))
		}
		warnings = append(warnings, "could not remove lines: "+strings.Join(ids, ", "))
	}
	return warnings
}

func (s *Service) record(ctx context.Context, dealID int, report pipedrive.Report, runErr error, started time.Time) {
	if s.recorder == nil {
		return
	}
	run := &model.SyncRun{
		DealID:        dealID,
		Deleted:       report.Deleted,
		Added:         report.Added,
		MissingSKUs:   report.MissingSKUs,
		FailedSKUs:    report.FailedSKUs,
		FailedDeletes: report.FailedDeletes,
		StartedAt:     started,
		FinishedAt:    s.now(),
	}
	if runErr != nil {
		run.Err = runErr.Error()
	}
	if err := s.recorder.Save(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Error("recording sync run failed", zap.Int("deal_id", dealID), zap.Error(err))
	}
}

// UpdateFields writes raw custom field values keyed by field hash.
func (s *Service) UpdateFields(ctx context.Context, dealID int, fields map[string]any) error {
	if err := checkDealID(dealID); err != nil {
		return err
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: no fields given", ErrInvalidRequest)
	}
	return s.withDeal(ctx, dealID, func() error {
		return s.crm.UpdateDealFields(ctx, dealID, fields)
	})
}

// AssignMapache sets the deal's assigned team member by name.
func (s *Service) AssignMapache(ctx context.Context, dealID int, name string) error {
	if err := checkDealID(dealID); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	return s.withDeal(ctx, dealID, func() error {
		return s.crm.AssignMapacheMember(ctx, dealID, name)
	})
}

func (s *Service) Deal(ctx context.Context, dealID int) (pipedrive.DealSummary, error) {
	if err := checkDealID(dealID); err != nil {
		return pipedrive.DealSummary{}, err
	}
	return s.crm.GetDealSummary(ctx, dealID)
}

func (s *Service) MapacheOptions(ctx context.Context) ([]pipedrive.Option, error) {
	return s.crm.ListMapacheOptions(ctx)
}

// Runs returns the recent sync runs of a deal, at most maxRunLimit of them.
func (s *Service) Runs(ctx context.Context, dealID, limit int) ([]model.SyncRun, error) {
	if err := checkDealID(dealID); err != nil {
		return nil, err
	}
	if s.recorder == nil {
		return nil, ErrRunsUnavailable
	}
	if limit > maxRunLimit {
		limit = maxRunLimit
	}
	return s.recorder.ListByDeal(ctx, dealID, limit)
}

// withDeal runs fn under the deal lock when a locker is configured.
func (s *Service) withDeal(ctx context.Context, dealID int, fn func() error) error {
	if s.locker == nil {
		return fn()
	}
	err := s.locker.WithLock(ctx, dealID, fn)
	if errors.Is(err, lock.ErrLockNotAcquired) {
		return fmt.Errorf("deal %d: %w", dealID, ErrDealBusy)
	}
	return err
}

func checkDealID(dealID int) error {
	if dealID <= 0 {
		return fmt.Errorf("%w: deal id must be positive", ErrInvalidRequest)
	}
	return nil
}
