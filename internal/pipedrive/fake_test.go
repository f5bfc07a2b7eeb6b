package pipedrive

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"dealsync/internal/config"
)

const testToken = "test-token"

var testFields = config.FieldKeys{
	Mapache:     "mapache_key",
	Fee:         "fee_key",
	OneShot:     "one_shot_key",
	ProposalURL: "proposal_key",
	TechScope:   "tech_scope_key",
}

// fakeCRM is an in-memory stand-in for the subset of the Pipedrive API the client uses.
type fakeCRM struct {
	mu sync.Mutex

	calls   map[string]int
	queries map[string][]url.Values

	products       map[string]int
	searchOverride map[string][]productSearchItem
	lines          map[int][]DealProduct
	nextLineID     int
	failAdd        map[int]bool
	failDelete     map[int]bool
	failList       bool

	deals    map[string][]Deal
	pageSize int
	updates  map[int]map[string]any

	fields     []dealField
	stages     []stage
	users      map[int]user
	failUsers  map[int]bool
	failFields bool
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		calls:          map[string]int{},
		queries:        map[string][]url.Values{},
		products:       map[string]int{},
		searchOverride: map[string][]productSearchItem{},
		lines:          map[int][]DealProduct{},
		nextLineID:     1000,
		failAdd:        map[int]bool{},
		failDelete:     map[int]bool{},
		deals:          map[string][]Deal{},
		pageSize:       100,
		updates:        map[int]map[string]any{},
		users:          map[int]user{},
		failUsers:      map[int]bool{},
	}
}

func (f *fakeCRM) count(pattern string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[pattern]
}

func (f *fakeCRM) query(pattern string, i int) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[pattern][i]
}

func (f *fakeCRM) dealLines(dealID int) []DealProduct {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DealProduct(nil), f.lines[dealID]...)
}

func (f *fakeCRM) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	handle := func(pattern string, h func(w http.ResponseWriter, r *http.Request)) {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			f.calls[pattern]++
			f.queries[pattern] = append(f.queries[pattern], r.URL.Query())
			f.mu.Unlock()
			if r.URL.Query().Get("api_token") != testToken {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "unauthorized access"})
				return
			}
			h(w, r)
		})
	}

	handle("GET /api/v2/deals/{id}/products", f.listLines)
	handle("DELETE /api/v2/deals/{id}/products/{line}", f.deleteLine)
	handle("POST /api/v2/deals/{id}/products", f.addLine)
	handle("GET /api/v1/products/search", f.searchProducts)
	handle("GET /api/v2/deals", f.listDeals)
	handle("GET /api/v2/deals/{id}", f.getDeal)
	handle("PUT /api/v1/deals/{id}", f.updateDeal)
	handle("GET /api/v1/dealFields", f.listFields)
	handle("GET /api/v1/stages", f.listStages)
	handle("GET /api/v1/users/{id}", f.getUser)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeCRM) client(t *testing.T, mutate ...func(*Options)) *Client {
	t.Helper()
	srv := f.server(t)
	opts := Options{
		BaseURL:           srv.URL,
		APIToken:          testToken,
		PipelineID:        1,
		ExcludedStageName: "Cancelado",
		Fields:            testFields,
	}
	for _, m := range mutate {
		m(&opts)
	}
	return NewClient(opts)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func ok(data any, extra map[string]any) map[string]any {
	body := map[string]any{"success": true, "data": data}
	if extra != nil {
		body["additional_data"] = extra
	}
	return body
}

func pathInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.PathValue(name))
	return n
}

func (f *fakeCRM) listLines(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "Deal not found"})
		return
	}
	lines := append([]DealProduct{}, f.lines[pathInt(r, "id")]...)
	writeJSON(w, http.StatusOK, ok(lines, map[string]any{"next_cursor": nil}))
}

func (f *fakeCRM) deleteLine(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dealID, lineID := pathInt(r, "id"), pathInt(r, "line")
	if f.failDelete[lineID] {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "delete exploded"})
		return
	}
	kept := f.lines[dealID][:0]
	for _, l := range f.lines[dealID] {
		if l.ID != lineID {
			kept = append(kept, l)
		}
	}
	f.lines[dealID] = kept
	writeJSON(w, http.StatusOK, ok(map[string]any{"id": lineID}, nil))
}

func (f *fakeCRM) addLine(w http.ResponseWriter, r *http.Request) {
	var req addDealProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd[req.ProductID] {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "product is archived"})
		return
	}
	if req.DiscountType != "percentage" || req.TaxMethod != "none" || !req.IsEnabled {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "unexpected line defaults"})
		return
	}
	dealID := pathInt(r, "id")
	f.nextLineID++
	line := DealProduct{
		ID:        f.nextLineID,
		DealID:    dealID,
		ProductID: req.ProductID,
		Name:      fmt.Sprintf("product-%d", req.ProductID),
		ItemPrice: req.ItemPrice,
		Quantity:  req.Quantity,
	}
	f.lines[dealID] = append(f.lines[dealID], line)
	writeJSON(w, http.StatusCreated, ok(line, nil))
}

func searchItem(id int, code string) productSearchItem {
	var it productSearchItem
	it.ResultScore = 1
	it.Item.ID = id
	it.Item.Code = code
	it.Item.Name = "Product " + code
	return it
}

func (f *fakeCRM) searchProducts(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	term := r.URL.Query().Get("term")
	items := []productSearchItem{}
	if override, found := f.searchOverride[term]; found {
		items = override
	} else {
		for code, id := range f.products {
			if strings.EqualFold(code, term) {
				items = append(items, searchItem(id, code))
			}
		}
	}
	writeJSON(w, http.StatusOK, ok(map[string]any{"items": items}, nil))
}

func (f *fakeCRM) listDeals(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := r.URL.Query()
	all := f.deals[q.Get("status")]
	start, _ := strconv.Atoi(q.Get("cursor"))
	end := start + f.pageSize
	if end > len(all) {
		end = len(all)
	}
	page := append([]Deal{}, all[start:end]...)
	var next any
	if end < len(all) {
		next = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, ok(page, map[string]any{"next_cursor": next}))
}

func (f *fakeCRM) getDeal(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := pathInt(r, "id")
	for _, deals := range f.deals {
		for _, d := range deals {
			if d.ID == id {
				writeJSON(w, http.StatusOK, ok(d, nil))
				return
			}
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "Deal not found"})
}

func (f *fakeCRM) updateDeal(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[pathInt(r, "id")] = body
	writeJSON(w, http.StatusOK, ok(map[string]any{"id": pathInt(r, "id")}, nil))
}

func (f *fakeCRM) listFields(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFields {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "fields unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, ok(f.fields, map[string]any{
		"pagination": map[string]any{"start": 0, "limit": 500, "more_items_in_collection": false},
	}))
}

func (f *fakeCRM) listStages(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, ok(f.stages, nil))
}

func (f *fakeCRM) getUser(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := pathInt(r, "id")
	if f.failUsers[id] {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "user service down"})
		return
	}
	u, found := f.users[id]
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "User not found"})
		return
	}
	writeJSON(w, http.StatusOK, ok(u, nil))
}
