package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/NinoDja/readwise-mcp-remote3/internal/readwise"
)

var bookCategories = []string{"books", "articles", "tweets", "supplementals", "podcasts"}

// ListBooksInput holds parameters for readwise_list_books.
type ListBooksInput struct {
	PageSize             int    `json:"page_size,omitempty" jsonschema:"results per page, 1 to 1000 (default 100)"`
	Page                 int    `json:"page,omitempty" jsonschema:"page number, starting at 1"`
	Category             string `json:"category,omitempty" jsonschema:"only books of this category"`
	Source               string `json:"source,omitempty" jsonschema:"only books from this source, for example kindle or reader"`
	NumHighlightsAbove   int    `json:"num_highlights_above,omitempty" jsonschema:"only books with more highlights than this"`
	NumHighlightsBelow   int    `json:"num_highlights_below,omitempty" jsonschema:"only books with fewer highlights than this"`
	UpdatedAfter         string `json:"updated_after,omitempty" jsonschema:"ISO 8601 timestamp, only books updated after it"`
	UpdatedBefore        string `json:"updated_before,omitempty" jsonschema:"ISO 8601 timestamp, only books updated before it"`
	LastHighlightedAfter string `json:"last_highlighted_after,omitempty" jsonschema:"ISO 8601 timestamp, only books highlighted after it"`
}

// BookIDInput identifies one book.
type BookIDInput struct {
	BookID int64 `json:"book_id" jsonschema:"the book id"`
}

func bookTools(r *Registry, c readwise.Caller) []Definition {
	return []Definition{
		define(r, "readwise_list_books",
			"List books and other sources that have highlights, one page at a time.",
			listBooksHandler(c),
			enumAt(bookCategories, "category")),
		define(r, "readwise_get_book",
			"Get one book by id, including its highlight count and cover.",
			getBookHandler(c)),
	}
}

func bookPath(id int64) string {
	return fmt.Sprintf("/books/%d/", id)
}

func listBooksHandler(c readwise.Caller) handlerFunc[ListBooksInput] {
	return func(ctx context.Context, in ListBooksInput) (json.RawMessage, error) {
		if err := checkPaging(in.PageSize, in.Page); err != nil {
			return nil, err
		}

		q := query{}
		q.setInt("page_size", int64(in.PageSize))
		q.setInt("page", int64(in.Page))
		q.set("category", in.Category)
		q.set("source", in.Source)
		q.setInt("num_highlights__gt", int64(in.NumHighlightsAbove))
		q.setInt("num_highlights__lt", int64(in.NumHighlightsBelow))
		q.set("updated__gt", in.UpdatedAfter)
		q.set("updated__lt", in.UpdatedBefore)
		q.set("last_highlight_at__gt", in.LastHighlightedAfter)

		return c.Call(ctx, readwise.SurfaceV2, "/books/", readwise.RequestOptions{Query: q.values()})
	}
}

func getBookHandler(c readwise.Caller) handlerFunc[BookIDInput] {
	return func(ctx context.Context, in BookIDInput) (json.RawMessage, error) {
		if err := checkID(in.BookID, "book_id"); err != nil {
			return nil, err
		}

		return c.Call(ctx, readwise.SurfaceV2, bookPath(in.BookID), readwise.RequestOptions{})
	}
}
