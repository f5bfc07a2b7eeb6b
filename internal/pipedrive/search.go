package pipedrive

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// SearchDealsByMapacheAssigned returns deals whose assigned-team-member field is
// the option matching name. An unknown name returns no deals.
func (c *Client) SearchDealsByMapacheAssigned(ctx context.Context, name string) ([]DealSummary, error) {
	return c.SearchDealsByMapacheLabels(ctx, []string{name})
}

// SearchDealsByMapacheLabels returns deals assigned to any of the given team
// members. Labels with no matching option are skipped.
func (c *Client) SearchDealsByMapacheLabels(ctx context.Context, labels []string) ([]DealSummary, error) {
	opts, err := c.EnsureMapacheFieldOptions(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[int]bool, len(labels))
	for _, label := range labels {
		id, ok := opts.Lookup(label)
		if !ok {
			c.logger.Warn("no field option matches name", zap.String("name", label))
			continue
		}
		wanted[id] = true
	}
	if len(wanted) == 0 {
		return []DealSummary{}, nil
	}

	key := c.opts.Fields.Mapache
	return c.searchDeals(ctx, false, func(d Deal, _ map[int]*OwnerInfo) bool {
		v := d.CustomFields[key]
		for id := range wanted {
			if matchesID(v, id) {
				return true
			}
		}
		return false
	})
}

// SearchDealsByOwnerName returns deals whose owner name matches name after
// normalization. The resolved owner name is compared first, then the name on the deal.
func (c *Client) SearchDealsByOwnerName(ctx context.Context, name string) ([]DealSummary, error) {
	target := NormalizeLabel(name)
	if target == "" {
		return []DealSummary{}, nil
	}
	return c.searchDeals(ctx, true, func(d Deal, owners map[int]*OwnerInfo) bool {
		if o := owners[d.OwnerID]; o != nil && o.Name != "" {
			return NormalizeLabel(o.Name) == target
		}
		return NormalizeLabel(d.OwnerName) == target
	})
}

// SearchDealsByOwnerEmails returns deals whose owner email is in emails.
func (c *Client) SearchDealsByOwnerEmails(ctx context.Context, emails []string) ([]DealSummary, error) {
	wanted := make(map[string]bool, len(emails))
	for _, e := range emails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			wanted[e] = true
		}
	}
	if len(wanted) == 0 {
		return []DealSummary{}, nil
	}
	return c.searchDeals(ctx, true, func(d Deal, owners map[int]*OwnerInfo) bool {
		o := owners[d.OwnerID]
		return o != nil && wanted[strings.ToLower(strings.TrimSpace(o.Email))]
	})
}

// searchDeals runs keep over the pipeline's deals and summarizes the survivors.
// When byOwner is set, owners of every candidate are resolved before filtering.
func (c *Client) searchDeals(ctx context.Context, byOwner bool, keep func(Deal, map[int]*OwnerInfo) bool) ([]DealSummary, error) {
	deals, stages, err := c.pipelineDeals(ctx)
	if err != nil {
		return nil, err
	}

	var owners map[int]*OwnerInfo
	if byOwner {
		owners = c.ResolveOwnerInfos(ctx, ownerIDs(deals))
	}

	var matched []Deal
	for _, d := range deals {
		if keep(d, owners) {
			matched = append(matched, d)
		}
	}
	return c.summarizeDeals(ctx, matched, stages), nil
}

func ownerIDs(deals []Deal) []int {
	ids := make([]int, 0, len(deals))
	for _, d := range deals {
		ids = append(ids, d.OwnerID)
	}
	return ids
}
