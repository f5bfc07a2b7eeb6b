package pipedrive

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

func (c *Client) customFieldKeys() []string {
	f := c.opts.Fields
	var keys []string
	for _, k := range []string{f.Mapache, f.Fee, f.OneShot, f.ProposalURL, f.TechScope} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// listDeals fetches every deal with the given status, following cursors.
func (c *Client) listDeals(ctx context.Context, status string) ([]Deal, error) {
	query := map[string]any{
		"status":        status,
		"limit":         pageLimit,
		"custom_fields": c.customFieldKeys(),
	}
	if c.opts.PipelineID > 0 {
		query["pipeline_id"] = c.opts.PipelineID
	}
	deals, err := collectCursor[Deal](ctx, c, "/api/v2/deals", query)
	if err != nil {
		return nil, fmt.Errorf("list %s deals: %w", status, err)
	}
	return deals, nil
}

// pipelineDeals returns the deals of every configured status that belong to the
// configured pipeline and are not in the excluded stage, with the stage names used.
func (c *Client) pipelineDeals(ctx context.Context) ([]Deal, map[int]string, error) {
	stages, err := c.EnsureStageNames(ctx)
	if err != nil {
		return nil, nil, err
	}

	var out []Deal
	for _, status := range c.opts.DealStatuses {
		deals, err := c.listDeals(ctx, status)
		if err != nil {
			return nil, nil, err
		}
		for _, d := range deals {
			if c.opts.PipelineID > 0 && d.PipelineID != c.opts.PipelineID {
				continue
			}
			if c.isExcludedStage(stages[d.StageID]) {
				continue
			}
			out = append(out, d)
		}
	}
	return out, stages, nil
}

func (c *Client) isExcludedStage(name string) bool {
	excluded := strings.TrimSpace(c.opts.ExcludedStageName)
	return excluded != "" && strings.EqualFold(strings.TrimSpace(name), excluded)
}

// GetDeal fetches one deal with the configured custom fields.
func (c *Client) GetDeal(ctx context.Context, dealID int) (Deal, error) {
	deal, _, err := getData[Deal](ctx, c, "/api/v2/deals/"+strconv.Itoa(dealID), map[string]any{
		"custom_fields": c.customFieldKeys(),
	})
	if err != nil {
		return Deal{}, fmt.Errorf("get deal %d: %w", dealID, err)
	}
	return deal, nil
}

// UpdateDealFields writes custom field values keyed by field hash.
func (c *Client) UpdateDealFields(ctx context.Context, dealID int, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	path := "/api/v1/deals/" + strconv.Itoa(dealID)
	if err := c.fetch(ctx, http.MethodPut, path, nil, fields, nil); err != nil {
		return fmt.Errorf("update deal %d fields: %w", dealID, err)
	}
	return nil
}

func (c *Client) SetOneShotAmount(ctx context.Context, dealID int, amount float64) error {
	return c.UpdateDealFields(ctx, dealID, map[string]any{c.opts.Fields.OneShot: amount})
}

func (c *Client) SetProposalURL(ctx context.Context, dealID int, url string) error {
	return c.UpdateDealFields(ctx, dealID, map[string]any{c.opts.Fields.ProposalURL: url})
}

func (c *Client) SetTechScopeURL(ctx context.Context, dealID int, url string) error {
	return c.UpdateDealFields(ctx, dealID, map[string]any{c.opts.Fields.TechScope: url})
}

// AssignMapacheMember sets the assigned-team-member field to the option matching
// name. An unmatched name returns ErrUnknownOption.
func (c *Client) AssignMapacheMember(ctx context.Context, dealID int, name string) error {
	opts, err := c.EnsureMapacheFieldOptions(ctx)
	if err != nil {
		return err
	}
	id, ok := opts.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOption, name)
	}
	return c.UpdateDealFields(ctx, dealID, map[string]any{c.opts.Fields.Mapache: id})
}

// ListMapacheOptions returns the assigned-team-member options ordered by id.
func (c *Client) ListMapacheOptions(ctx context.Context) ([]Option, error) {
	opts, err := c.EnsureMapacheFieldOptions(ctx)
	if err != nil {
		return nil, err
	}
	return opts.Sorted(), nil
}
