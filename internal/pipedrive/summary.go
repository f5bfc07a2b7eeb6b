package pipedrive

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// DealSummary is the flattened view of a deal returned by searches.
type DealSummary struct {
	ID                int      `json:"id"`
	Title             string   `json:"title"`
	Value             float64  `json:"value"`
	Currency          string   `json:"currency"`
	Status            string   `json:"status"`
	PipelineID        int      `json:"pipeline_id"`
	StageID           int      `json:"stage_id"`
	StageName         string   `json:"stage_name"`
	OwnerID           int      `json:"owner_id"`
	OwnerName         string   `json:"owner_name"`
	OwnerEmail        string   `json:"owner_email"`
	AddTime           string   `json:"add_time"`
	WonTime           string   `json:"won_time,omitempty"`
	WonQuarter        string   `json:"won_quarter,omitempty"`
	Fee               *float64 `json:"fee"`
	OneShotAmount     *float64 `json:"one_shot_amount"`
	ProposalURL       string   `json:"proposal_url,omitempty"`
	TechScopeURL      string   `json:"tech_scope_url,omitempty"`
	MapacheAssignedID *int     `json:"mapache_assigned_id"`
	MapacheAssigned   string   `json:"mapache_assigned,omitempty"`
}

var wonTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// wonQuarter turns a won timestamp into "YYYY-Qn". Unparseable input yields "".
func wonQuarter(ts string) string {
	if ts == "" {
		return ""
	}
	for _, layout := range wonTimeLayouts {
		t, err := time.Parse(layout, ts)
		if err != nil {
			continue
		}
		return fmt.Sprintf("%d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
	}
	return ""
}

// summarizeDeals maps deals into summaries, resolving owners for the distinct
// owner ids in one batch.
func (c *Client) summarizeDeals(ctx context.Context, deals []Deal, stages map[int]string) []DealSummary {
	owners := c.ResolveOwnerInfos(ctx, ownerIDs(deals))

	opts, err := c.EnsureMapacheFieldOptions(ctx)
	if err != nil {
		c.logger.Warn("field options unavailable, summaries carry no team member labels", zap.Error(err))
	}

	out := make([]DealSummary, 0, len(deals))
	for _, d := range deals {
		out = append(out, c.toSummary(d, stages, owners[d.OwnerID], opts))
	}
	return out
}

func (c *Client) toSummary(d Deal, stages map[int]string, owner *OwnerInfo, opts *FieldOptions) DealSummary {
	s := DealSummary{
		ID:         d.ID,
		Title:      d.Title,
		Value:      d.Value,
		Currency:   d.Currency,
		Status:     d.Status,
		PipelineID: d.PipelineID,
		StageID:    d.StageID,
		StageName:  stages[d.StageID],
		OwnerID:    d.OwnerID,
		OwnerName:  d.OwnerName,
		AddTime:    d.AddTime,
		WonTime:    d.WonTime,
		WonQuarter: wonQuarter(d.WonTime),
	}
	if owner != nil {
		if owner.Name != "" {
			s.OwnerName = owner.Name
		}
		s.OwnerEmail = owner.Email
	}

	f := c.opts.Fields
	if v, ok := finiteNumber(d.CustomFields[f.Fee]); ok {
		s.Fee = &v
	}
	if v, ok := finiteNumber(d.CustomFields[f.OneShot]); ok {
		s.OneShotAmount = &v
	}
	s.ProposalURL = textValue(d.CustomFields[f.ProposalURL])
	s.TechScopeURL = textValue(d.CustomFields[f.TechScope])
	// option ids are whole numbers; matchesID rejects anything else too
	if v, ok := finiteNumber(d.CustomFields[f.Mapache]); ok && v == math.Trunc(v) {
		id := int(v)
		s.MapacheAssignedID = &id
		if opts != nil {
			s.MapacheAssigned = opts.ByID[id]
		}
	}
	return s
}

// GetDealSummary fetches one deal and maps it to a summary. Search filters do not apply.
func (c *Client) GetDealSummary(ctx context.Context, dealID int) (DealSummary, error) {
	deal, err := c.GetDeal(ctx, dealID)
	if err != nil {
		return DealSummary{}, err
	}
	stages, err := c.EnsureStageNames(ctx)
	if err != nil {
		return DealSummary{}, err
	}
	return c.summarizeDeals(ctx, []Deal{deal}, stages)[0], nil
}
