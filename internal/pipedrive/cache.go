package pipedrive

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"dealsync/internal/observability"
)

const (
	fieldOptionsKey = "field-options"
	stageNamesKey   = "stage-names"
	metadataLimit   = 500
)

// FieldOptions is a snapshot of a single-select custom field's options.
type FieldOptions struct {
	// ByID maps option id to its label as shown in Pipedrive.
	ByID map[int]string
	// IDByName maps a normalized label to its option id.
	IDByName map[string]int
}

// Lookup resolves a free-text name to an option id using normalized matching.
func (o *FieldOptions) Lookup(name string) (int, bool) {
	if o == nil {
		return 0, false
	}
	key := NormalizeLabel(name)
	if key == "" {
		return 0, false
	}
	id, ok := o.IDByName[key]
	return id, ok
}

// Option is an id/label pair.
type Option struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
}

// Sorted returns the options ordered by id.
func (o *FieldOptions) Sorted() []Option {
	if o == nil {
		return nil
	}
	out := make([]Option, 0, len(o.ByID))
	for id, label := range o.ByID {
		out = append(out, Option{ID: id, Label: label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OwnerInfo is the identity of a deal owner.
type OwnerInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// referenceCache holds data fetched once per Client and never invalidated.
// A nil owner entry records a lookup that failed.
type referenceCache struct {
	mu           sync.Mutex
	fieldOptions *FieldOptions
	stageNames   map[int]string
	owners       map[int]*OwnerInfo
	group        singleflight.Group
}

func newReferenceCache() *referenceCache {
	return &referenceCache{owners: make(map[int]*OwnerInfo)}
}

// EnsureMapacheFieldOptions returns the options of the assigned-team-member field,
// fetching them on first use. Fetch errors are returned and not cached.
func (c *Client) EnsureMapacheFieldOptions(ctx context.Context) (*FieldOptions, error) {
	if opts := c.cachedFieldOptions(); opts != nil {
		return opts, nil
	}
	v, err := c.sharedFetch(ctx, fieldOptionsKey, func(ctx context.Context) (any, error) {
		if opts := c.cachedFieldOptions(); opts != nil {
			return opts, nil
		}
		opts, err := c.fetchFieldOptions(ctx, c.opts.Fields.Mapache)
		if err != nil {
			return nil, err
		}
		c.cache.mu.Lock()
		c.cache.fieldOptions = opts
		c.cache.mu.Unlock()
		return opts, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*FieldOptions), nil
}

// sharedFetch runs fetch once for all concurrent callers of key. The fetch is
// detached from the caller that started it, so one cancelled request does not fail
// the others; each caller stops waiting when its own ctx is done.
func (c *Client) sharedFetch(ctx context.Context, key string, fetch func(context.Context) (any, error)) (any, error) {
	ch := c.cache.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Timeout)
		defer cancel()
		return fetch(fetchCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (c *Client) cachedFieldOptions() *FieldOptions {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()
	return c.cache.fieldOptions
}

func (c *Client) fetchFieldOptions(ctx context.Context, key string) (*FieldOptions, error) {
	observability.CacheFetchesTotal.WithLabelValues(fieldOptionsKey).Inc()
	fields, err := collectOffset[dealField](ctx, c, "/api/v1/dealFields", metadataLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch deal fields: %w", err)
	}
	for _, f := range fields {
		if f.Key == key {
			return c.buildFieldOptions(f), nil
		}
	}
	return nil, fmt.Errorf("deal field %q not found", key)
}

func (c *Client) buildFieldOptions(f dealField) *FieldOptions {
	opts := &FieldOptions{
		ByID:     make(map[int]string, len(f.Options)),
		IDByName: make(map[string]int, len(f.Options)),
	}
	for _, o := range f.Options {
		opts.ByID[o.ID] = o.Label
		key := NormalizeLabel(o.Label)
		if key == "" {
			continue
		}
		if existing, dup := opts.IDByName[key]; dup {
			c.logger.Warn("field options collide after normalization",
				zap.String("field", f.Key),
				zap.Int("kept", existing),
				zap.Int("shadowed", o.ID),
			)
			continue
		}
		opts.IDByName[key] = o.ID
	}
	return opts
}

// EnsureStageNames returns the stage id to name map, fetching it on first use.
func (c *Client) EnsureStageNames(ctx context.Context) (map[int]string, error) {
	if names := c.cachedStageNames(); names != nil {
		return names, nil
	}
	v, err := c.sharedFetch(ctx, stageNamesKey, func(ctx context.Context) (any, error) {
		if names := c.cachedStageNames(); names != nil {
			return names, nil
		}
		observability.CacheFetchesTotal.WithLabelValues(stageNamesKey).Inc()
		stages, err := collectOffset[stage](ctx, c, "/api/v1/stages", metadataLimit)
		if err != nil {
			return nil, fmt.Errorf("fetch stages: %w", err)
		}
		names := make(map[int]string, len(stages))
		for _, s := range stages {
			names[s.ID] = s.Name
		}
		c.cache.mu.Lock()
		c.cache.stageNames = names
		c.cache.mu.Unlock()
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[int]string), nil
}

func (c *Client) cachedStageNames() map[int]string {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()
	return c.cache.stageNames
}

// ResolveOwnerInfos returns owner identities for the given ids. Ids not yet cached
// are fetched concurrently; a failed lookup yields a nil entry that is remembered,
// so the id is not fetched again. It never fails as a whole.
func (c *Client) ResolveOwnerInfos(ctx context.Context, ids []int) map[int]*OwnerInfo {
	result := make(map[int]*OwnerInfo, len(ids))
	var missing []int

	c.cache.mu.Lock()
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, seen := result[id]; seen {
			continue
		}
		if info, ok := c.cache.owners[id]; ok {
			result[id] = info
			continue
		}
		result[id] = nil
		missing = append(missing, id)
	}
	c.cache.mu.Unlock()

	if len(missing) == 0 {
		return result
	}

	var mu sync.Mutex
	fetched := make(map[int]*OwnerInfo, len(missing))
	var g errgroup.Group
	g.SetLimit(c.opts.OwnerFetchWorkers)
	for _, id := range missing {
		g.Go(func() error {
			info, err := c.fetchOwner(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					// cancelled lookups say nothing about the id itself
					return nil
				}
				c.logger.Warn("owner lookup failed", zap.Int("owner_id", id), zap.Error(err))
				info = nil
			}
			mu.Lock()
			fetched[id] = info
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.cache.mu.Lock()
	for id, info := range fetched {
		c.cache.owners[id] = info
		result[id] = info
	}
	c.cache.mu.Unlock()
	return result
}

func (c *Client) fetchOwner(ctx context.Context, id int) (*OwnerInfo, error) {
	observability.CacheFetchesTotal.WithLabelValues("owners").Inc()
	u, _, err := getData[user](ctx, c, "/api/v1/users/"+strconv.Itoa(id), nil)
	if err != nil {
		return nil, err
	}
	return &OwnerInfo{Name: u.Name, Email: u.Email}, nil
}
