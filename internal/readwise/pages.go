package readwise

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/tidwall/gjson"
)

// NextPageCursor returns the nextPageCursor of a Reader list or v2 export
// response, or "" on the last page.
func NextPageCursor(raw json.RawMessage) string {
	return gjson.GetBytes(raw, "nextPageCursor").String()
}

// DocumentTags returns the tag names of the first document in a Reader
// list response. Reader returns tags as an object keyed by tag slug; each
// value carries a display name. found is false when the response holds no
// document.
func DocumentTags(raw json.RawMessage) (tags []string, found bool) {
	doc := gjson.GetBytes(raw, "results.0")
	if !doc.Exists() {
		return nil, false
	}

	tags = []string{}

	field := doc.Get("tags")
	if field.IsArray() {
		for _, v := range field.Array() {
			if name := v.String(); name != "" {
				tags = append(tags, name)
			}
		}

		return tags, true
	}

	field.ForEach(func(key, value gjson.Result) bool {
		name := value.Get("name").String()
		if name == "" {
			name = key.String()
		}

		tags = append(tags, name)

		return true
	})

	return tags, true
}

// Page is the merged result of CollectPages.
type Page struct {
	Count          int               `json:"count"`
	NextPageCursor *string           `json:"nextPageCursor"`
	Pages          int               `json:"pages"`
	Results        []json.RawMessage `json:"results"`
}

// CollectPages follows nextPageCursor through up to maxPages GET requests
// against a cursor-paginated endpoint (Reader /list/, v2 /export/) and
// merges their results arrays. The cursor is sent as pageCursor. If pages
// remain after maxPages, NextPageCursor is set so the caller can resume.
func CollectPages(ctx context.Context, c Caller, surface Surface, path string, query url.Values, maxPages int) (*Page, error) {
	if maxPages < 1 {
		maxPages = 1
	}

	q := url.Values{}
	for k, v := range query {
		q[k] = append([]string(nil), v...)
	}

	page := &Page{Results: []json.RawMessage{}}

	for page.Pages < maxPages {
		raw, err := c.Call(ctx, surface, path, RequestOptions{Query: q})
		if err != nil {
			return nil, fmt.Errorf("fetching page %d of %s: %w", page.Pages+1, path, err)
		}

		page.Pages++

		gjson.GetBytes(raw, "results").ForEach(func(_, value gjson.Result) bool {
			page.Results = append(page.Results, json.RawMessage(value.Raw))
			return true
		})

		cursor := NextPageCursor(raw)
		if cursor == "" {
			page.NextPageCursor = nil
			break
		}

		page.NextPageCursor = &cursor
		q.Set("pageCursor", cursor)
	}

	page.Count = len(page.Results)

	return page, nil
}
