package pipedrive

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"dealsync/internal/observability"
)

// Line is the desired state of one product line on a deal.
type Line struct {
	SKU       string  `json:"sku" validate:"required"`
	Quantity  float64 `json:"quantity" validate:"gt=0"`
	UnitPrice float64 `json:"unit_price" validate:"gte=0"`
}

type OutcomeKind int

const (
	OutcomeAdded OutcomeKind = iota
	OutcomeMissingSKU
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAdded:
		return "added"
	case OutcomeMissingSKU:
		return "missing_sku"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of syncing one line.
type Outcome struct {
	Line      Line
	Kind      OutcomeKind
	ProductID int
	Err       error
}

// Report summarizes a ReplaceDealProducts call.
type Report struct {
	Deleted       int      `json:"deleted"`
	Added         int      `json:"added"`
	MissingSKUs   []string `json:"missing_skus"`
	FailedSKUs    []string `json:"failed_skus"`
	FailedDeletes []int    `json:"failed_deletes,omitempty"`
}

// Partial reports whether any line or delete did not go through.
func (r Report) Partial() bool {
	return len(r.MissingSKUs) > 0 || len(r.FailedSKUs) > 0 || len(r.FailedDeletes) > 0
}

// ReplaceDealProducts makes the deal's product lines equal to lines: every current
// line is deleted, then each desired line is resolved by SKU and added.
//
// Only a failure to list the current lines is returned as an error. Failed deletes,
// unknown SKUs and failed adds are reported in the Report and do not stop the run.
func (c *Client) ReplaceDealProducts(ctx context.Context, dealID int, lines []Line) (Report, error) {
	existing, err := c.ListDealProducts(ctx, dealID)
	if err != nil {
		return Report{}, err
	}

	deleted := 0
	var failedDeletes []int
	for _, p := range existing {
		if err := c.deleteDealProduct(ctx, dealID, p.ID); err != nil {
			c.logger.Warn("delete failed", zap.Int("deal_id", dealID), zap.Int("line_id", p.ID), zap.Error(err))
			failedDeletes = append(failedDeletes, p.ID)
			continue
		}
		deleted++
	}

	outcomes := make([]Outcome, 0, len(lines))
	for _, line := range lines {
		o := c.syncLine(ctx, dealID, line)
		observability.ReconcileLinesTotal.WithLabelValues(o.Kind.String()).Inc()
		if o.Err != nil {
			c.logger.Warn("line not synced",
				zap.Int("deal_id", dealID),
				zap.String("sku", line.SKU),
				zap.Stringer("outcome", o.Kind),
				zap.Error(o.Err),
			)
		}
		outcomes = append(outcomes, o)
	}

	report := summarize(deleted, failedDeletes, outcomes)
	c.logger.Info("deal products replaced",
		zap.Int("deal_id", dealID),
		zap.Int("deleted", report.Deleted),
		zap.Int("added", report.Added),
		zap.Strings("missing_skus", report.MissingSKUs),
		zap.Strings("failed_skus", report.FailedSKUs),
	)
	return report, nil
}

func (c *Client) syncLine(ctx context.Context, dealID int, line Line) Outcome {
	productID, found, err := c.FindProductIDBySKU(ctx, line.SKU)
	if err != nil {
		return Outcome{Line: line, Kind: OutcomeFailed, Err: err}
	}
	if !found {
		return Outcome{Line: line, Kind: OutcomeMissingSKU}
	}
	if err := c.addDealProduct(ctx, dealID, productID, line); err != nil {
		return Outcome{Line: line, Kind: OutcomeFailed, ProductID: productID, Err: err}
	}
	return Outcome{Line: line, Kind: OutcomeAdded, ProductID: productID}
}

// summarize folds per-line outcomes into a Report. Slices are never nil.
func summarize(deleted int, failedDeletes []int, outcomes []Outcome) Report {
	r := Report{
		Deleted:       deleted,
		MissingSKUs:   []string{},
		FailedSKUs:    []string{},
		FailedDeletes: failedDeletes,
	}
	for _, o := range outcomes {
		sku := strings.TrimSpace(o.Line.SKU)
		switch o.Kind {
		case OutcomeAdded:
			r.Added++
		case OutcomeMissingSKU:
			r.MissingSKUs = append(r.MissingSKUs, sku)
		default:
			r.FailedSKUs = append(r.FailedSKUs, sku)
		}
	}
	return r
}
