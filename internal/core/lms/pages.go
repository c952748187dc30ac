package lms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hapiai/lmslink/internal/core"
)

// PageRequest describes a paginated list call.
type PageRequest struct {
	Endpoint  string
	Query     url.Values
	PerPage   int
	Priority  core.Priority
	Cacheable bool
}

// FetchAllPages follows rel="next" links and returns every element of every
// page. It stops after MaxPages pages even if the server keeps advertising a
// next page. When Cacheable is set the aggregated list is cached as a whole.
func (c *Client) FetchAllPages(ctx context.Context, req PageRequest) ([]json.RawMessage, error) {
	perPage := req.PerPage
	if perPage <= 0 {
		perPage = c.cfg.PerPage
	}
	query := cloneValues(req.Query)
	if query.Get("per_page") == "" {
		query.Set("per_page", strconv.Itoa(perPage))
	}

	cacheable := req.Cacheable && c.cfg.Cache != nil
	key := c.cacheKey(req.Endpoint, query)
	if cacheable {
		if body, ok := c.cfg.Cache.Get(ctx, key); ok {
			var items []json.RawMessage
			if err := json.Unmarshal(body, &items); err == nil {
				return items, nil
			}
		}
	}

	var (
		items    []json.RawMessage
		endpoint = req.Endpoint
		pageQ    = query
		visited  = make(map[string]bool)
	)
	for page := 0; page < c.cfg.MaxPages; page++ {
		resp, err := c.Request(ctx, Request{
			Method:   http.MethodGet,
			Endpoint: endpoint,
			Query:    pageQ,
			Priority: req.Priority,
		})
		if err != nil {
			return nil, err
		}

		var batch []json.RawMessage
		if err := json.Unmarshal(resp.Body, &batch); err != nil {
			return nil, core.NewError(core.KindInternal, "decode page", err)
		}
		items = append(items, batch...)

		next := resp.NextLink()
		if next == "" || visited[next] {
			break
		}
		if _, err := c.resolve(next, nil); err != nil {
			return nil, err
		}
		visited[next] = true
		endpoint, pageQ = next, nil
	}

	if items == nil {
		items = []json.RawMessage{}
	}
	if cacheable {
		if body, err := json.Marshal(items); err == nil {
			c.cfg.Cache.Set(ctx, key, body, 0)
		}
	}
	return items, nil
}

// Get decodes a single cacheable GET into T.
func Get[T any](ctx context.Context, c *Client, endpoint string, query url.Values, priority core.Priority) (*T, error) {
	resp, err := c.Request(ctx, Request{
		Method:    http.MethodGet,
		Endpoint:  endpoint,
		Query:     query,
		Priority:  priority,
		Cacheable: true,
	})
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, core.NewError(core.KindInternal, "decode response", err)
	}
	return &out, nil
}

// FetchAll aggregates every page of a list endpoint and decodes it into T.
func FetchAll[T any](ctx context.Context, c *Client, req PageRequest) ([]T, error) {
	raw, err := c.FetchAllPages(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, item := range raw {
		var value T
		if err := json.Unmarshal(item, &value); err != nil {
			return nil, core.NewError(core.KindInternal, "decode list item", err)
		}
		out = append(out, value)
	}
	return out, nil
}

func cloneValues(in url.Values) url.Values {
	out := make(url.Values, len(in))
	for name, values := range in {
		out[name] = append([]string(nil), values...)
	}
	return out
}
