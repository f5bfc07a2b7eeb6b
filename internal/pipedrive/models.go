package pipedrive

import "encoding/json"

// envelope is the common Pipedrive response shape for v1 and v2 endpoints.
type envelope[T any] struct {
	Success        *bool          `json:"success"`
	Data           T              `json:"data"`
	AdditionalData additionalData `json:"additional_data"`
}

type additionalData struct {
	// v2 cursor pagination
	NextCursor *string `json:"next_cursor"`
	// v1 offset pagination
	Pagination *v1Pagination `json:"pagination"`
}

type v1Pagination struct {
	Start                 int  `json:"start"`
	Limit                 int  `json:"limit"`
	MoreItemsInCollection bool `json:"more_items_in_collection"`
	NextStart             *int `json:"next_start"`
}

// responseHead is decoded before the payload to detect API level failures.
type responseHead struct {
	Success   *bool           `json:"success"`
	Error     json.RawMessage `json:"error"`
	ErrorInfo string          `json:"error_info"`
}

// DealProduct is one product line attached to a deal.
type DealProduct struct {
	ID        int     `json:"id"`
	DealID    int     `json:"deal_id"`
	ProductID int     `json:"product_id"`
	Name      string  `json:"name"`
	ItemPrice float64 `json:"item_price"`
	Quantity  float64 `json:"quantity"`
}

type addDealProductRequest struct {
	ProductID    int     `json:"product_id"`
	ItemPrice    float64 `json:"item_price"`
	Quantity     float64 `json:"quantity"`
	Tax          float64 `json:"tax"`
	Discount     float64 `json:"discount"`
	DiscountType string  `json:"discount_type"`
	TaxMethod    string  `json:"tax_method"`
	IsEnabled    bool    `json:"is_enabled"`
	Comments     string  `json:"comments"`
}

type productSearchData struct {
	Items []productSearchItem `json:"items"`
}

type productSearchItem struct {
	ResultScore float64 `json:"result_score"`
	Item        struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
		Code string `json:"code"`
	} `json:"item"`
}

// Deal is the v2 deal record. Custom field values arrive keyed by field hash.
type Deal struct {
	ID           int            `json:"id"`
	Title        string         `json:"title"`
	Value        float64        `json:"value"`
	Currency     string         `json:"currency"`
	Status       string         `json:"status"`
	StageID      int            `json:"stage_id"`
	PipelineID   int            `json:"pipeline_id"`
	OwnerID      int            `json:"owner_id"`
	OwnerName    string         `json:"owner_name"`
	PersonID     *int           `json:"person_id"`
	OrgID        *int           `json:"org_id"`
	AddTime      string         `json:"add_time"`
	UpdateTime   string         `json:"update_time"`
	WonTime      string         `json:"won_time"`
	CustomFields map[string]any `json:"custom_fields"`
}

type dealField struct {
	ID        int           `json:"id"`
	Key       string        `json:"key"`
	Name      string        `json:"name"`
	FieldType string        `json:"field_type"`
	Options   []fieldOption `json:"options"`
}

type fieldOption struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
}

type stage struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	PipelineID int    `json:"pipeline_id"`
}

type user struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}
