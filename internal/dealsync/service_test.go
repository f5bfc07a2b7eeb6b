package dealsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"dealsync/internal/lock"
	"dealsync/internal/model"
	"dealsync/internal/pipedrive"
)

type stubCRM struct {
	mu sync.Mutex

	report     pipedrive.Report
	replaceErr error
	replaced   map[int][]pipedrive.Line

	fieldErr error
	fields   map[int]map[string]any
	assigned map[int]string

	searches []string
}

func newStubCRM() *stubCRM {
	return &stubCRM{
		report:   pipedrive.Report{MissingSKUs: []string{}, FailedSKUs: []string{}},
		replaced: map[int][]pipedrive.Line{},
		fields:   map[int]map[string]any{},
		assigned: map[int]string{},
	}
}

func (c *stubCRM) ReplaceDealProducts(_ context.Context, dealID int, lines []pipedrive.Line) (pipedrive.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replaceErr != nil {
		return pipedrive.Report{}, c.replaceErr
	}
	c.replaced[dealID] = lines
	return c.report, nil
}

func (c *stubCRM) setField(dealID int, key string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fieldErr != nil {
		return c.fieldErr
	}
	if c.fields[dealID] == nil {
		c.fields[dealID] = map[string]any{}
	}
	c.fields[dealID][key] = v
	return nil
}

func (c *stubCRM) UpdateDealFields(_ context.Context, dealID int, fields map[string]any) error {
	for k, v := range fields {
		if err := c.setField(dealID, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *stubCRM) SetOneShotAmount(_ context.Context, dealID int, amount float64) error {
	return c.setField(dealID, "one_shot", amount)
}

func (c *stubCRM) SetProposalURL(_ context.Context, dealID int, url string) error {
	return c.setField(dealID, "proposal", url)
}

func (c *stubCRM) SetTechScopeURL(_ context.Context, dealID int, url string) error {
	return c.setField(dealID, "tech_scope", url)
}

func (c *stubCRM) AssignMapacheMember(_ context.Context, dealID int, name string) error {
	if name == "Nadie" {
		return pipedrive.ErrUnknownOption
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assigned[dealID] = name
	return nil
}

func (c *stubCRM) GetDealSummary(_ context.Context, dealID int) (pipedrive.DealSummary, error) {
	return pipedrive.DealSummary{ID: dealID}, nil
}

func (c *stubCRM) search(kind string, terms ...string) ([]pipedrive.DealSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searches = append(c.searches, kind)
	out := make([]pipedrive.DealSummary, len(terms))
	for i, term := range terms {
		out[i] = pipedrive.DealSummary{Title: term}
	}
	return out, nil
}

func (c *stubCRM) SearchDealsByMapacheAssigned(_ context.Context, name string) ([]pipedrive.DealSummary, error) {
	return c.search("mapache", name)
}

func (c *stubCRM) SearchDealsByMapacheLabels(_ context.Context, labels []string) ([]pipedrive.DealSummary, error) {
	return c.search("labels", labels...)
}

func (c *stubCRM) SearchDealsByOwnerName(_ context.Context, name string) ([]pipedrive.DealSummary, error) {
	return c.search("owner", name)
}

func (c *stubCRM) SearchDealsByOwnerEmails(_ context.Context, emails []string) ([]pipedrive.DealSummary, error) {
	return c.search("emails", emails...)
}

func (c *stubCRM) ListMapacheOptions(context.Context) ([]pipedrive.Option, error) {
	return []pipedrive.Option{{ID: 1, Label: "Ana"}}, nil
}

type memoryRecorder struct {
	mu        sync.Mutex
	runs      []model.SyncRun
	err       error
	lastLimit int
}

func (r *memoryRecorder) Save(_ context.Context, run *model.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.runs = append(r.runs, *run)
	return nil
}

func (r *memoryRecorder) ListByDeal(_ context.Context, dealID, limit int) ([]model.SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastLimit = limit
	var out []model.SyncRun
	for _, run := range r.runs {
		if run.DealID == dealID {
			out = append(out, run)
		}
	}
	return out, nil
}

type busyLocker struct {
	held map[int]bool
}

func (l *busyLocker) WithLock(_ context.Context, dealID int, fn func() error) error {
	if l.held[dealID] {
		return lock.ErrLockNotAcquired
	}
	return fn()
}

func amount(v float64) *float64 { return &v }

func TestSyncProposalWritesLinesAndFields(t *testing.T) {
	crm := newStubCRM()
	crm.report.Deleted = 2
	crm.report.Added = 1
	rec := &memoryRecorder{}
	svc := NewService(crm, WithRecorder(rec))

	res, err := svc.SyncProposal(context.Background(), 9, SyncRequest{
		Lines:         []pipedrive.Line{{SKU: " SKU-1 ", Quantity: 2, UnitPrice: 10}},
		OneShotAmount: amount(300),
		ProposalURL:   "https://docs.example.com/p",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Report.Deleted)
	assert.Empty(t, res.Warnings)
	assert.NotNil(t, res.Warnings)
	assert.Equal(t, "SKU-1", crm.replaced[9][0].SKU)
	assert.Equal(t, map[string]any{"one_shot": 300.0, "proposal": "https://docs.example.com/p"}, crm.fields[9])

	require.Len(t, rec.runs, 1)
	assert.Equal(t, 9, rec.runs[0].DealID)
	assert.Equal(t, 1, rec.runs[0].Added)
	assert.Empty(t, rec.runs[0].Err)
	assert.False(t, rec.runs[0].FinishedAt.Before(rec.runs[0].StartedAt))
}

func TestSyncProposalReportsPartialFailures(t *testing.T) {
	crm := newStubCRM()
	crm.report = pipedrive.Report{
		Added:         1,
		MissingSKUs:   []string{"SKU-UNKNOWN"},
		FailedSKUs:    []string{"SKU-ARCHIVED"},
		FailedDeletes: []int{77},
	}
	crm.fieldErr = errors.New("field locked")
	core, logs := observer.New(zap.InfoLevel)
	svc := NewService(crm, WithLogger(zap.New(core)))

	res, err := svc.SyncProposal(context.Background(), 4, SyncRequest{
		Lines:        []pipedrive.Line{{SKU: "A", Quantity: 1}},
		TechScopeURL: "https://docs.example.com/scope",
	})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 4)
	assert.Contains(t, res.Warnings[0], "SKU-UNKNOWN")
	assert.Contains(t, res.Warnings[1], "SKU-ARCHIVED")
	assert.Contains(t, res.Warnings[2], "77")
	assert.Contains(t, res.Warnings[3], "tech_scope_url")

	synced := logs.FilterMessage("deal synced").All()
	require.Len(t, synced, 1)
	assert.Equal(t, "partial", synced[0].ContextMap()["result"])
}

func TestSyncProposalPartialReportWithoutFieldWrites(t *testing.T) {
	crm := newStubCRM()
	crm.report.MissingSKUs = []string{"SKU-UNKNOWN"}
	core, logs := observer.New(zap.InfoLevel)
	svc := NewService(crm, WithLogger(zap.New(core)))

	res, err := svc.SyncProposal(context.Background(), 4, SyncRequest{
		Lines: []pipedrive.Line{{SKU: "SKU-UNKNOWN", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"no product found for SKUs: SKU-UNKNOWN"}, res.Warnings)
	assert.True(t, res.Report.Partial())
	assert.Equal(t, "partial", logs.FilterMessage("deal synced").All()[0].ContextMap()["result"])
}

func TestSyncProposalCleanRunLogsOK(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	svc := NewService(newStubCRM(), WithLogger(zap.New(core)))

	res, err := svc.SyncProposal(context.Background(), 4, SyncRequest{Lines: []pipedrive.Line{}})
	require.NoError(t, err)
	assert.NotNil(t, res.Warnings)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, "ok", logs.FilterMessage("deal synced").All()[0].ContextMap()["result"])
}

func TestSyncProposalListFailureIsRecorded(t *testing.T) {
	crm := newStubCRM()
	crm.replaceErr = &pipedrive.APIError{Status: 404, Message: "Deal not found"}
	rec := &memoryRecorder{}
	svc := NewService(crm, WithRecorder(rec))

	_, err := svc.SyncProposal(context.Background(), 5, SyncRequest{Lines: []pipedrive.Line{}, OneShotAmount: amount(1)})
	require.Error(t, err)
	assert.True(t, pipedrive.IsNotFound(err))
	assert.Empty(t, crm.fields[5])

	require.Len(t, rec.runs, 1)
	assert.Contains(t, rec.runs[0].Err, "Deal not found")
}

func TestSyncProposalRecorderFailureDoesNotFailSync(t *testing.T) {
	crm := newStubCRM()
	svc := NewService(crm, WithRecorder(&memoryRecorder{err: errors.New("db down")}))

	_, err := svc.SyncProposal(context.Background(), 5, SyncRequest{Lines: []pipedrive.Line{}})
	require.NoError(t, err)
}

func TestSyncProposalValidation(t *testing.T) {
	svc := NewService(newStubCRM())
	ctx := context.Background()

	cases := map[string]struct {
		dealID int
		req    SyncRequest
	}{
		"zero deal":         {0, SyncRequest{}},
		"blank sku":         {1, SyncRequest{Lines: []pipedrive.Line{{SKU: "  ", Quantity: 1}}}},
		"zero quantity":     {1, SyncRequest{Lines: []pipedrive.Line{{SKU: "A", Quantity: 0}}}},
		"negative price":    {1, SyncRequest{Lines: []pipedrive.Line{{SKU: "A", Quantity: 1, UnitPrice: -1}}}},
		"negative one shot": {1, SyncRequest{Lines: []pipedrive.Line{}, OneShotAmount: amount(-5)}},
		"bad proposal url":  {1, SyncRequest{Lines: []pipedrive.Line{}, ProposalURL: "not a url"}},
		"missing lines":     {1, SyncRequest{OneShotAmount: amount(5)}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.SyncProposal(ctx, tc.dealID, tc.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestSyncProposalMissingLinesLeavesDealUntouched(t *testing.T) {
	crm := newStubCRM()
	svc := NewService(crm)

	_, err := svc.SyncProposal(context.Background(), 6, SyncRequest{ProposalURL: "https://docs.example.com/p"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, replaced := crm.replaced[6]
	assert.False(t, replaced)
	assert.Empty(t, crm.fields[6])

	_, err = svc.SyncProposal(context.Background(), 6, SyncRequest{Lines: []pipedrive.Line{}})
	require.NoError(t, err)
	lines, replaced := crm.replaced[6]
	assert.True(t, replaced)
	assert.Empty(t, lines)
}

func TestSyncProposalDealBusy(t *testing.T) {
	crm := newStubCRM()
	svc := NewService(crm, WithLocker(&busyLocker{held: map[int]bool{3: true}}))
	ctx := context.Background()

	_, err := svc.SyncProposal(ctx, 3, SyncRequest{Lines: []pipedrive.Line{}})
	assert.ErrorIs(t, err, ErrDealBusy)
	_, replaced := crm.replaced[3]
	assert.False(t, replaced)

	assert.ErrorIs(t, svc.AssignMapache(ctx, 3, "Ana"), ErrDealBusy)
	assert.ErrorIs(t, svc.UpdateFields(ctx, 3, map[string]any{"k": 1}), ErrDealBusy)

	_, err = svc.SyncProposal(ctx, 4, SyncRequest{Lines: []pipedrive.Line{}})
	require.NoError(t, err)
}

func TestAssignMapacheAndUpdateFields(t *testing.T) {
	crm := newStubCRM()
	svc := NewService(crm)
	ctx := context.Background()

	require.NoError(t, svc.AssignMapache(ctx, 2, "Ana"))
	assert.Equal(t, "Ana", crm.assigned[2])
	assert.ErrorIs(t, svc.AssignMapache(ctx, 2, "Nadie"), pipedrive.ErrUnknownOption)
	assert.ErrorIs(t, svc.AssignMapache(ctx, 2, " "), ErrInvalidRequest)

	require.NoError(t, svc.UpdateFields(ctx, 2, map[string]any{"hash": "v"}))
	assert.Equal(t, "v", crm.fields[2]["hash"])
	assert.ErrorIs(t, svc.UpdateFields(ctx, 2, nil), ErrInvalidRequest)
}

func TestSearchDispatch(t *testing.T) {
	crm := newStubCRM()
	svc := NewService(crm)
	ctx := context.Background()

	got, err := svc.Search(ctx, SearchByEmails, "a@x.com, ,b@x.com")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = svc.Search(ctx, SearchByMapache, "Federico Iñigo")
	require.NoError(t, err)
	_, err = svc.Search(ctx, SearchByOwner, "Ana")
	require.NoError(t, err)
	got, err = svc.Search(ctx, SearchByLabels, "Ana,Marco")
	require.NoError(t, err)
	assert.Equal(t, "Marco", got[1].Title)
	assert.Equal(t, []string{"emails", "mapache", "owner", "labels"}, crm.searches)

	_, err = svc.Search(ctx, "stage", "x")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Search(ctx, SearchByOwner, "  ")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRuns(t *testing.T) {
	ctx := context.Background()

	_, err := NewService(newStubCRM()).Runs(ctx, 1, 10)
	assert.ErrorIs(t, err, ErrRunsUnavailable)

	rec := &memoryRecorder{runs: []model.SyncRun{{DealID: 1, StartedAt: time.Now()}, {DealID: 2}}}
	svc := NewService(newStubCRM(), WithRecorder(rec))
	runs, err := svc.Runs(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, 10, rec.lastLimit)

	_, err = svc.Runs(ctx, 1, 5000)
	require.NoError(t, err)
	assert.Equal(t, maxRunLimit, rec.lastLimit)
}
