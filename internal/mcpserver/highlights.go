package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/NinoDja/readwise-mcp-remote3/internal/batch"
	"github.com/NinoDja/readwise-mcp-remote3/internal/readwise"
)

var (
	highlightColors     = []string{"yellow", "blue", "pink", "orange", "green", "purple"}
	highlightCategories = []string{"books", "articles", "tweets", "podcasts"}
)

// AuthCheckInput has no parameters.
type AuthCheckInput struct{}

// ListHighlightsInput holds parameters for readwise_list_highlights.
type ListHighlightsInput struct {
	PageSize          int    `json:"page_size,omitempty" jsonschema:"results per page, 1 to 1000 (default 100)"`
	Page              int    `json:"page,omitempty" jsonschema:"page number, starting at 1"`
	BookID            int64  `json:"book_id,omitempty" jsonschema:"only highlights from this book"`
	UpdatedAfter      string `json:"updated_after,omitempty" jsonschema:"ISO 8601 timestamp, only highlights updated after it"`
	UpdatedBefore     string `json:"updated_before,omitempty" jsonschema:"ISO 8601 timestamp, only highlights updated before it"`
	HighlightedAfter  string `json:"highlighted_after,omitempty" jsonschema:"ISO 8601 timestamp, only highlights made after it"`
	HighlightedBefore string `json:"highlighted_before,omitempty" jsonschema:"ISO 8601 timestamp, only highlights made before it"`
}

// HighlightIDInput identifies one highlight.
type HighlightIDInput struct {
	HighlightID int64 `json:"highlight_id" jsonschema:"the highlight id"`
}

// NewHighlight is one highlight for readwise_create_highlights.
type NewHighlight struct {
	Text          string `json:"text" jsonschema:"the highlighted text"`
	Title         string `json:"title,omitempty" jsonschema:"title of the source; highlights with the same title and author are grouped into one book"`
	Author        string `json:"author,omitempty" jsonschema:"author of the source"`
	ImageURL      string `json:"image_url,omitempty" jsonschema:"cover image url"`
	SourceURL     string `json:"source_url,omitempty" jsonschema:"url of the source"`
	SourceType    string `json:"source_type,omitempty" jsonschema:"free-form identifier of the app that made the highlight"`
	Category      string `json:"category,omitempty" jsonschema:"source category"`
	Note          string `json:"note,omitempty" jsonschema:"note attached to the highlight"`
	Location      int    `json:"location,omitempty" jsonschema:"position of the highlight within the source"`
	LocationType  string `json:"location_type,omitempty" jsonschema:"unit of location: page, order or time_offset"`
	HighlightedAt string `json:"highlighted_at,omitempty" jsonschema:"ISO 8601 timestamp of when the highlight was made"`
	HighlightURL  string `json:"highlight_url,omitempty" jsonschema:"unique url of the highlight"`
}

// CreateHighlightsInput holds parameters for readwise_create_highlights.
type CreateHighlightsInput struct {
	Highlights []NewHighlight `json:"highlights" jsonschema:"highlights to create"`
}

// HighlightChanges are the editable fields of a highlight. Unset fields are
// left unchanged.
type HighlightChanges struct {
	Text     *string `json:"text,omitempty" jsonschema:"new highlight text"`
	Note     *string `json:"note,omitempty" jsonschema:"new note, an empty string clears it"`
	Location *int    `json:"location,omitempty" jsonschema:"new location"`
	URL      *string `json:"url,omitempty" jsonschema:"new highlight url"`
	Color    string  `json:"color,omitempty" jsonschema:"highlight color"`
}

func (c HighlightChanges) empty() bool {
	return c.Text == nil && c.Note == nil && c.Location == nil && c.URL == nil && c.Color == ""
}

// UpdateHighlightInput holds parameters for readwise_update_highlight.
type UpdateHighlightInput struct {
	HighlightID int64 `json:"highlight_id" jsonschema:"the highlight id"`
	HighlightChanges
}

// BulkUpdateHighlightsInput holds parameters for
// readwise_bulk_update_highlights.
type BulkUpdateHighlightsInput struct {
	Updates []UpdateHighlightInput `json:"updates" jsonschema:"one entry per highlight to update"`
}

// BulkDeleteHighlightsInput holds parameters for
// readwise_bulk_delete_highlights.
type BulkDeleteHighlightsInput struct {
	HighlightIDs []int64 `json:"highlight_ids" jsonschema:"ids of the highlights to delete"`
}

// ExportHighlightsInput holds parameters for readwise_export_highlights.
type ExportHighlightsInput struct {
	UpdatedAfter   string  `json:"updated_after,omitempty" jsonschema:"ISO 8601 timestamp, only books with highlights updated after it"`
	BookIDs        []int64 `json:"book_ids,omitempty" jsonschema:"only export these books"`
	IncludeDeleted *bool   `json:"include_deleted,omitempty" jsonschema:"include deleted highlights"`
	PageCursor     string  `json:"page_cursor,omitempty" jsonschema:"nextPageCursor from a previous export"`
	MaxPages       int     `json:"max_pages,omitempty" jsonschema:"follow nextPageCursor for up to this many pages (default 1)"`
}

// DailyReviewInput has no parameters.
type DailyReviewInput struct{}

func highlightTools(r *Registry, c readwise.Caller) []Definition {
	return []Definition{
		define(r, "readwise_auth_check",
			"Check that the configured Readwise token is valid. Returns {\"success\":true} when it is.",
			authCheckHandler(c)),
		define(r, "readwise_list_highlights",
			"List highlights, newest first, one page at a time. Filter by book or by update and highlight timestamps.",
			listHighlightsHandler(c)),
		define(r, "readwise_get_highlight",
			"Get one highlight by id, including its note, tags and location.",
			getHighlightHandler(c)),
		define(r, "readwise_create_highlights",
			"Create one or more highlights. Highlights are grouped into books by title and author; a missing title goes to a \"Quotes\" book.",
			createHighlightsHandler(c),
			enumAt(highlightCategories, "highlights", "*", "category")),
		define(r, "readwise_update_highlight",
			"Update the text, note, location, url or color of a highlight. Only the given fields change.",
			updateHighlightHandler(c),
			enumAt(highlightColors, "color")),
		define(r, "readwise_delete_highlight",
			"Delete a highlight permanently.",
			deleteHighlightHandler(c)),
		define(r, "readwise_bulk_update_highlights",
			"Update many highlights. Each update is sent on its own; failures are reported per item and do not stop the batch.",
			bulkUpdateHighlightsHandler(c),
			enumAt(highlightColors, "updates", "*", "color")),
		define(r, "readwise_bulk_delete_highlights",
			"Delete many highlights. Failures are reported per item and do not stop the batch.",
			bulkDeleteHighlightsHandler(c)),
		define(r, "readwise_export_highlights",
			"Export highlights grouped by book, for syncing. Set max_pages to follow the export cursor.",
			exportHighlightsHandler(c)),
		define(r, "readwise_daily_review",
			"Get today's daily review highlights.",
			dailyReviewHandler(c)),
	}
}

func highlightPath(id int64) string {
	return fmt.Sprintf("/highlights/%d/", id)
}

func checkID(id int64, what string) error {
	if id <= 0 {
		return invalidArgument("%s must be a positive integer", what)
	}

	return nil
}

// --- Handlers ---

func authCheckHandler(c readwise.Caller) handlerFunc[AuthCheckInput] {
	return func(ctx context.Context, _ AuthCheckInput) (json.RawMessage, error) {
		return c.Call(ctx, readwise.SurfaceV2, "/auth/", readwise.RequestOptions{})
	}
}

func listHighlightsHandler(c readwise.Caller) handlerFunc[ListHighlightsInput] {
	return func(ctx context.Context, in ListHighlightsInput) (json.RawMessage, error) {
		if err := checkPaging(in.PageSize, in.Page); err != nil {
			return nil, err
		}

		q := query{}
		q.setInt("page_size", int64(in.PageSize))
		q.setInt("page", int64(in.Page))
		q.setInt("book_id", in.BookID)
		q.set("updated__gt", in.UpdatedAfter)
		q.set("updated__lt", in.UpdatedBefore)
		q.set("highlighted_at__gt", in.HighlightedAfter)
		q.set("highlighted_at__lt", in.HighlightedBefore)

		return c.Call(ctx, readwise.SurfaceV2, "/highlights/", readwise.RequestOptions{Query: q.values()})
	}
}

func getHighlightHandler(c readwise.Caller) handlerFunc[HighlightIDInput] {
	return func(ctx context.Context, in HighlightIDInput) (json.RawMessage, error) {
		if err := checkID(in.HighlightID, "highlight_id"); err != nil {
			return nil, err
		}

		return c.Call(ctx, readwise.SurfaceV2, highlightPath(in.HighlightID), readwise.RequestOptions{})
	}
}

func createHighlightsHandler(c readwise.Caller) handlerFunc[CreateHighlightsInput] {
	return func(ctx context.Context, in CreateHighlightsInput) (json.RawMessage, error) {
		if err := checkBulk(len(in.Highlights), "highlights"); err != nil {
			return nil, err
		}

		for i, h := range in.Highlights {
			if h.Text == "" {
				return nil, invalidArgument("highlights[%d].text must not be empty", i)
			}
		}

		return c.Call(ctx, readwise.SurfaceV2, "/highlights/", readwise.RequestOptions{
			Method: http.MethodPost,
			Body:   map[string]any{"highlights": in.Highlights},
		})
	}
}

func updateHighlight(ctx context.Context, c readwise.Caller, in UpdateHighlightInput) (json.RawMessage, error) {
	if err := checkID(in.HighlightID, "highlight_id"); err != nil {
		return nil, err
	}

	if in.empty() {
		return nil, invalidArgument("no fields to update for highlight %d", in.HighlightID)
	}

	return c.Call(ctx, readwise.SurfaceV2, highlightPath(in.HighlightID), readwise.RequestOptions{
		Method: http.MethodPatch,
		Body:   in.HighlightChanges,
	})
}

func updateHighlightHandler(c readwise.Caller) handlerFunc[UpdateHighlightInput] {
	return func(ctx context.Context, in UpdateHighlightInput) (json.RawMessage, error) {
		return updateHighlight(ctx, c, in)
	}
}

func deleteHighlight(ctx context.Context, c readwise.Caller, id int64) (json.RawMessage, error) {
	if err := checkID(id, "highlight_id"); err != nil {
		return nil, err
	}

	return c.Call(ctx, readwise.SurfaceV2, highlightPath(id), readwise.RequestOptions{Method: http.MethodDelete})
}

func deleteHighlightHandler(c readwise.Caller) handlerFunc[HighlightIDInput] {
	return func(ctx context.Context, in HighlightIDInput) (json.RawMessage, error) {
		return deleteHighlight(ctx, c, in.HighlightID)
	}
}

func bulkUpdateHighlightsHandler(c readwise.Caller) handlerFunc[BulkUpdateHighlightsInput] {
	return func(ctx context.Context, in BulkUpdateHighlightsInput) (json.RawMessage, error) {
		if err := checkBulk(len(in.Updates), "updates"); err != nil {
			return nil, err
		}

		report := batch.Process(ctx, in.Updates,
			func(_ int, u UpdateHighlightInput) string { return strconv.FormatInt(u.HighlightID, 10) },
			func(ctx context.Context, u UpdateHighlightInput) (json.RawMessage, error) {
				return updateHighlight(ctx, c, u)
			},
		)

		return jsonResult(report)
	}
}

func bulkDeleteHighlightsHandler(c readwise.Caller) handlerFunc[BulkDeleteHighlightsInput] {
	return func(ctx context.Context, in BulkDeleteHighlightsInput) (json.RawMessage, error) {
		if err := checkBulk(len(in.HighlightIDs), "highlight_ids"); err != nil {
			return nil, err
		}

		report := batch.Process(ctx, in.HighlightIDs,
			func(_ int, id int64) string { return strconv.FormatInt(id, 10) },
			func(ctx context.Context, id int64) (json.RawMessage, error) {
				return deleteHighlight(ctx, c, id)
			},
		)

		return jsonResult(report)
	}
}

func exportHighlightsHandler(c readwise.Caller) handlerFunc[ExportHighlightsInput] {
	return func(ctx context.Context, in ExportHighlightsInput) (json.RawMessage, error) {
		if err := checkMaxPages(in.MaxPages); err != nil {
			return nil, err
		}

		q := query{}
		q.set("updatedAfter", in.UpdatedAfter)
		q.setBool("includeDeleted", in.IncludeDeleted)
		q.set("pageCursor", in.PageCursor)

		if len(in.BookIDs) > 0 {
			ids := make([]string, len(in.BookIDs))
			for i, id := range in.BookIDs {
				ids[i] = strconv.FormatInt(id, 10)
			}

			q.set("ids", strings.Join(ids, ","))
		}

		if in.MaxPages > 1 {
			page, err := readwise.CollectPages(ctx, c, readwise.SurfaceV2, "/export/", q.values(), in.MaxPages)
			if err != nil {
				return nil, err
			}

			return jsonResult(page)
		}

		return c.Call(ctx, readwise.SurfaceV2, "/export/", readwise.RequestOptions{Query: q.values()})
	}
}

func dailyReviewHandler(c readwise.Caller) handlerFunc[DailyReviewInput] {
	return func(ctx context.Context, _ DailyReviewInput) (json.RawMessage, error) {
		return c.Call(ctx, readwise.SurfaceV2, "/review/", readwise.RequestOptions{})
	}
}
