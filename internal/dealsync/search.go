package dealsync

import (
	"context"
	"fmt"
	"strings"

	"dealsync/internal/pipedrive"
)

// SearchBy selects the deal attribute a search matches on.
type SearchBy string

const (
	SearchByMapache SearchBy = "mapache"
	SearchByOwner   SearchBy = "owner"
	SearchByEmails  SearchBy = "emails"
	SearchByLabels  SearchBy = "labels"
)

// Search runs the search selected by by. For emails and labels, q is a
// comma separated list.
func (s *Service) Search(ctx context.Context, by SearchBy, q string) ([]pipedrive.DealSummary, error) {
	if strings.TrimSpace(q) == "" {
		return nil, fmt.Errorf("%w: search term is required", ErrInvalidRequest)
	}
	switch by {
	case SearchByMapache:
		return s.crm.SearchDealsByMapacheAssigned(ctx, q)
	case SearchByOwner:
		return s.crm.SearchDealsByOwnerName(ctx, q)
	case SearchByEmails:
		return s.crm.SearchDealsByOwnerEmails(ctx, splitList(q))
	case SearchByLabels:
		return s.crm.SearchDealsByMapacheLabels(ctx, splitList(q))
	default:
		return nil, fmt.Errorf("%w: unknown search %q", ErrInvalidRequest, by)
	}
}

func splitList(q string) []string {
	var out []string
	for _, part := range strings.Split(q, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
