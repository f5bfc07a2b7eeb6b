package pipedrive

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// FindProductIDBySKU looks a product up by its exact code. A SKU with no exact
// match returns ok=false and no error.
func (c *Client) FindProductIDBySKU(ctx context.Context, sku string) (int, bool, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return 0, false, nil
	}
	data, _, err := getData[productSearchData](ctx, c, "/api/v1/products/search", map[string]any{
		"term":        sku,
		"fields":      "code",
		"exact_match": 1,
		"limit":       5,
	})
	if err != nil {
		return 0, false, fmt.Errorf("search product %q: %w", sku, err)
	}
	// the search endpoint can fall back to fuzzy hits, so codes are rechecked here
	for _, it := range data.Items {
		if strings.EqualFold(strings.TrimSpace(it.Item.Code), sku) {
			return it.Item.ID, true, nil
		}
	}
	return 0, false, nil
}

// ListDealProducts returns every product line attached to a deal.
func (c *Client) ListDealProducts(ctx context.Context, dealID int) ([]DealProduct, error) {
	products, err := collectCursor[DealProduct](ctx, c, dealProductsPath(dealID), map[string]any{
		"limit": pageLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("list products of deal %d: %w", dealID, err)
	}
	return products, nil
}

func (c *Client) deleteDealProduct(ctx context.Context, dealID, attachmentID int) error {
	path := fmt.Sprintf("%s/%d", dealProductsPath(dealID), attachmentID)
	if err := c.fetch(ctx, http.MethodDelete, path, nil, nil, nil); err != nil {
		return fmt.Errorf("delete product line %d of deal %d: %w", attachmentID, dealID, err)
	}
	return nil
}

func (c *Client) addDealProduct(ctx context.Context, dealID, productID int, line Line) error {
	body := addDealProductRequest{
		ProductID:    productID,
		ItemPrice:    line.UnitPrice,
		Quantity:     line.Quantity,
		Tax:          0,
		Discount:     0,
		DiscountType: "percentage",
		TaxMethod:    "none",
		IsEnabled:    true,
		Comments:     "",
	}
	if err := c.fetch(ctx, http.MethodPost, dealProductsPath(dealID), nil, body, nil); err != nil {
		return fmt.Errorf("add product %d to deal %d: %w", productID, dealID, err)
	}
	return nil
}

func dealProductsPath(dealID int) string {
	return fmt.Sprintf("/api/v2/deals/%d/products", dealID)
}
