package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"golang.org/x/text/cases"

	"github.com/NinoDja/readwise-mcp-remote3/internal/readwise"
)

// HighlightTagInput identifies a tag on a highlight.
type HighlightTagInput struct {
	HighlightID int64 `json:"highlight_id" jsonschema:"the highlight id"`
	TagID       int64 `json:"tag_id" jsonschema:"the tag id, from readwise_list_highlight_tags"`
}

// AddHighlightTagInput holds parameters for readwise_add_highlight_tag.
type AddHighlightTagInput struct {
	HighlightID int64  `json:"highlight_id" jsonschema:"the highlight id"`
	Name        string `json:"name" jsonschema:"tag name"`
}

// UpdateHighlightTagInput holds parameters for
// readwise_update_highlight_tag.
type UpdateHighlightTagInput struct {
	HighlightID int64  `json:"highlight_id" jsonschema:"the highlight id"`
	TagID       int64  `json:"tag_id" jsonschema:"the tag id"`
	Name        string `json:"name" jsonschema:"new tag name"`
}

// BookTagInput identifies a tag on a book.
type BookTagInput struct {
	BookID int64 `json:"book_id" jsonschema:"the book id"`
	TagID  int64 `json:"tag_id" jsonschema:"the tag id, from readwise_list_book_tags"`
}

// AddBookTagInput holds parameters for readwise_add_book_tag.
type AddBookTagInput struct {
	BookID int64  `json:"book_id" jsonschema:"the book id"`
	Name   string `json:"name" jsonschema:"tag name"`
}

// ListReaderTagsInput holds parameters for reader_list_tags.
type ListReaderTagsInput struct {
	PageCursor string `json:"page_cursor,omitempty" jsonschema:"nextPageCursor from a previous call"`
}

// DocumentTagsInput holds parameters for reader_add_document_tags and
// reader_remove_document_tags.
type DocumentTagsInput struct {
	DocumentID string   `json:"document_id" jsonschema:"the Reader document id"`
	Tags       []string `json:"tags" jsonschema:"tag names, matched case-insensitively"`
}

// documentTagsResult reports a read-merge-write tag change.
type documentTagsResult struct {
	DocumentID string          `json:"document_id"`
	Tags       []string        `json:"tags"`
	Changed    bool            `json:"changed"`
	Document   json.RawMessage `json:"document,omitempty"`
}

func tagTools(r *Registry, c readwise.Caller) []Definition {
	return []Definition{
		define(r, "readwise_list_highlight_tags",
			"List the tags on a highlight.",
			listHighlightTagsHandler(c)),
		define(r, "readwise_add_highlight_tag",
			"Add a tag to a highlight.",
			addHighlightTagHandler(c)),
		define(r, "readwise_update_highlight_tag",
			"Rename a tag on a highlight.",
			updateHighlightTagHandler(c)),
		define(r, "readwise_delete_highlight_tag",
			"Remove a tag from a highlight.",
			deleteHighlightTagHandler(c)),
		define(r, "readwise_list_book_tags",
			"List the tags on a book.",
			listBookTagsHandler(c)),
		define(r, "readwise_add_book_tag",
			"Add a tag to a book.",
			addBookTagHandler(c)),
		define(r, "readwise_delete_book_tag",
			"Remove a tag from a book.",
			deleteBookTagHandler(c)),
		define(r, "reader_list_tags",
			"List every tag used in Reader.",
			listReaderTagsHandler(c)),
		define(r, "reader_add_document_tags",
			"Add tags to a Reader document, keeping its existing tags. Not atomic: a concurrent tag change to the same document may be overwritten.",
			addDocumentTagsHandler(c)),
		define(r, "reader_remove_document_tags",
			"Remove tags from a Reader document, keeping the rest. Not atomic: a concurrent tag change to the same document may be overwritten.",
			removeDocumentTagsHandler(c)),
	}
}

func checkTagName(name string) error {
	if strings.TrimSpace(name) == "" {
		return invalidArgument("name must not be empty")
	}

	return nil
}

// --- Readwise highlight and book tags ---

func listHighlightTagsHandler(c readwise.Caller) handlerFunc[HighlightIDInput] {
	return func(ctx context.Context, in HighlightIDInput) (json.RawMessage, error) {
		if err := checkID(in.HighlightID, "highlight_id"); err != nil {
			return nil, err
		}

		return c.Call(ctx, readwise.SurfaceV2, highlightPath(in.HighlightID)+"tags/", readwise.RequestOptions{})
	}
}

func addHighlightTagHandler(c readwise.Caller) handlerFunc[AddHighlightTagInput] {
	return func(ctx context.Context, in AddHighlightTagInput) (json.RawMessage, error) {
		if err := checkID(in.HighlightID, "highlight_id"); err != nil {
			return nil, err
		}

		if err := checkTagName(in.Name); err != nil {
			return nil, err
		}

		return c.Call(ctx, readwise.SurfaceV2, highlightPath(in.HighlightID)+"tags/", readwise.RequestOptions{
			Method: http.MethodPost,
			Body:   map[string]string{"name": in.Name},
		})
	}
}

func updateHighlightTagHandler(c readwise.Caller) handlerFunc[UpdateHighlightTagInput] {
	return func(ctx context.Context, in UpdateHighlightTagInput) (json.RawMessage, error) {
		if err := checkID(in.HighlightID, "highlight_id"); err != nil {
			return nil, err
		}

		if err := checkID(in.TagID, "tag_id"); err != nil {
			return nil, err
		}

		if err := checkTagName(in.Name); err != nil {
			return nil, err
		}

		return c.Call(ctx, readwise.SurfaceV2, fmt.Sprintf("%stags/%d/", highlightPath(in.HighlightID), in.TagID), readwise.RequestOptions{
			Method: http.MethodPatch,
			Body:   map[string]string{"name": in.Name},
		})
	}
}

func deleteHighlightTagHandler(c readwise.Caller) handlerFunc[HighlightTagInput] {
	return func(ctx context.Context, in HighlightTagInput) (json.RawMessage, error) {
		if err := checkID(in.HighlightID, "highlight_id"); err != nil {
			return nil, err
		}

		if err := checkID(in.TagID, "tag_id"); err != nil {
			return nil, err
		}

		return c.Call(ctx, readwise.SurfaceV2, fmt.Sprintf("%stags/%d/", highlightPath(in.HighlightID), in.TagID), readwise.RequestOptions{
			Method: http.MethodDelete,
		})
	}
}

func listBookTagsHandler(c readwise.Caller) handlerFunc[BookIDInput] {
	return func(ctx context.Context, in BookIDInput) (json.RawMessage, error) {
		if err := checkID(in.BookID, "book_id"); err != nil {
			return nil, err
		}

		return c.Call(ctx, readwise.SurfaceV2, bookPath(in.BookID)+"tags/", readwise.RequestOptions{})
	}
}

func addBookTagHandler(c readwise.Caller) handlerFunc[AddBookTagInput] {
	return func(ctx context.Context, in AddBookTagInput) (json.RawMessage, error) {
		if err := checkID(in.BookID, "book_id"); err != nil {
			return nil, err
		}

		if err := checkTagName(in.Name); err != nil {
			return nil, err
		}

		return c.Call(ctx, readwise.SurfaceV2, bookPath(in.BookID)+"tags/", readwise.RequestOptions{
			Method: http.MethodPost,
			Body:   map[string]string{"name": in.Name},
		})
	}
}

func deleteBookTagHandler(c readwise.Caller) handlerFunc[BookTagInput] {
	return func(ctx context.Context, in BookTagInput) (json.RawMessage, error) {
		if err := checkID(in.BookID, "book_id"); err != nil {
			return nil, err
		}

		if err := checkID(in.TagID, "tag_id"); err != nil {
			return nil, err
		}

		return c.Call(ctx, readwise.SurfaceV2, fmt.Sprintf("%stags/%d/", bookPath(in.BookID), in.TagID), readwise.RequestOptions{
			Method: http.MethodDelete,
		})
	}
}

// --- Reader tags ---

func listReaderTagsHandler(c readwise.Caller) handlerFunc[ListReaderTagsInput] {
	return func(ctx context.Context, in ListReaderTagsInput) (json.RawMessage, error) {
		q := query{}
		q.set("pageCursor", in.PageCursor)

		return c.Call(ctx, readwise.SurfaceV3, "/tags/", readwise.RequestOptions{Query: q.values()})
	}
}

func addDocumentTagsHandler(c readwise.Caller) handlerFunc[DocumentTagsInput] {
	return func(ctx context.Context, in DocumentTagsInput) (json.RawMessage, error) {
		return rewriteDocumentTags(ctx, c, in, addTags)
	}
}

func removeDocumentTagsHandler(c readwise.Caller) handlerFunc[DocumentTagsInput] {
	return func(ctx context.Context, in DocumentTagsInput) (json.RawMessage, error) {
		return rewriteDocumentTags(ctx, c, in, removeTags)
	}
}

// rewriteDocumentTags reads the document's current tags, applies merge and
// writes the full list back. The write is skipped when nothing changes.
// Two concurrent rewrites of one document race; the last write wins.
func rewriteDocumentTags(ctx context.Context, c readwise.Caller, in DocumentTagsInput, merge func(current, change []string) []string) (json.RawMessage, error) {
	if err := checkDocumentID(in.DocumentID); err != nil {
		return nil, err
	}

	if len(in.Tags) == 0 {
		return nil, invalidArgument("tags must not be empty")
	}

	raw, err := c.Call(ctx, readwise.SurfaceV3, "/list/", readwise.RequestOptions{
		Query: query{"id": {in.DocumentID}}.values(),
	})
	if err != nil {
		return nil, fmt.Errorf("reading tags of %s: %w", in.DocumentID, err)
	}

	current, found := readwise.DocumentTags(raw)
	if !found {
		return nil, invalidArgument("document %s not found", in.DocumentID)
	}

	next := merge(current, in.Tags)
	result := documentTagsResult{DocumentID: in.DocumentID, Tags: next}

	if slices.Equal(current, next) {
		return jsonResult(result)
	}

	doc, err := c.Call(ctx, readwise.SurfaceV3, documentPath("update", in.DocumentID), readwise.RequestOptions{
		Method: http.MethodPatch,
		Body:   map[string][]string{"tags": next},
	})
	if err != nil {
		return nil, fmt.Errorf("writing tags of %s: %w", in.DocumentID, err)
	}

	result.Changed = true
	result.Document = doc

	return jsonResult(result)
}

// foldKey is the case-insensitive identity of a tag name.
func foldKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// addTags returns current followed by every name in change not already
// present. Existing spellings are kept.
func addTags(current, change []string) []string {
	out := make([]string, 0, len(current)+len(change))
	seen := make(map[string]bool, cap(out))

	for _, list := range [][]string{current, change} {
		for _, name := range list {
			key := foldKey(name)
			if key == "" || seen[key] {
				continue
			}

			seen[key] = true
			out = append(out, strings.TrimSpace(name))
		}
	}

	return out
}

// removeTags returns current without any name in change.
func removeTags(current, change []string) []string {
	drop := make(map[string]bool, len(change))
	for _, name := range change {
		drop[foldKey(name)] = true
	}

	out := make([]string, 0, len(current))

	for _, name := range current {
		if !drop[foldKey(name)] {
			out = append(out, name)
		}
	}

	return out
}
