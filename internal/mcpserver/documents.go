package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/NinoDja/readwise-mcp-remote3/internal/batch"
	"github.com/NinoDja/readwise-mcp-remote3/internal/markdown"
	"github.com/NinoDja/readwise-mcp-remote3/internal/readwise"
)

var (
	documentLocations  = []string{"new", "later", "shortlist", "archive", "feed"}
	documentCategories = []string{"article", "email", "rss", "highlight", "note", "pdf", "epub", "tweet", "video"}
)

const (
	savedUsing = "readwise-mcp"
	// markdownURLPrefix namespaces the urls generated for markdown notes
	// that do not name one. Reader requires a unique url per document.
	markdownURLPrefix = "https://readwise-mcp.invalid/notes/"
	maxListLimit      = 100
	maxFilterTags     = 5
)

// SaveDocumentInput holds parameters for reader_save_document. Field names
// match the Reader save endpoint.
type SaveDocumentInput struct {
	URL             string   `json:"url" jsonschema:"url of the document; with html set it only needs to be unique"`
	HTML            string   `json:"html,omitempty" jsonschema:"document content as HTML; when empty Reader fetches the url"`
	ShouldCleanHTML *bool    `json:"should_clean_html,omitempty" jsonschema:"let Reader strip boilerplate from html"`
	Title           string   `json:"title,omitempty" jsonschema:"document title"`
	Author          string   `json:"author,omitempty" jsonschema:"document author"`
	Summary         string   `json:"summary,omitempty" jsonschema:"short summary"`
	PublishedDate   string   `json:"published_date,omitempty" jsonschema:"ISO 8601 publication date"`
	ImageURL        string   `json:"image_url,omitempty" jsonschema:"cover image url"`
	Location        string   `json:"location,omitempty" jsonschema:"where the document lands in Reader"`
	Category        string   `json:"category,omitempty" jsonschema:"document category"`
	Tags            []string `json:"tags,omitempty" jsonschema:"tag names to apply"`
	Notes           string   `json:"notes,omitempty" jsonschema:"top-level note on the document"`
}

// saveRequest is the body sent to /save/.
type saveRequest struct {
	SaveDocumentInput
	SavedUsing string `json:"saved_using"`
}

// SaveMarkdownInput holds parameters for reader_save_markdown. Explicit
// fields take precedence over the note's YAML frontmatter.
type SaveMarkdownInput struct {
	Markdown string   `json:"markdown" jsonschema:"markdown source, optionally starting with YAML frontmatter (title, author, summary, tags, url, published_date, image_url)"`
	URL      string   `json:"url,omitempty" jsonschema:"document url; defaults to the frontmatter url or a generated unique url"`
	Title    string   `json:"title,omitempty" jsonschema:"title; defaults to the frontmatter title or the first heading"`
	Author   string   `json:"author,omitempty" jsonschema:"author; defaults to the frontmatter author"`
	Summary  string   `json:"summary,omitempty" jsonschema:"summary; defaults to the frontmatter summary"`
	Location string   `json:"location,omitempty" jsonschema:"where the document lands in Reader"`
	Category string   `json:"category,omitempty" jsonschema:"document category (default note)"`
	Tags     []string `json:"tags,omitempty" jsonschema:"tags, merged with the frontmatter tags"`
	Notes    string   `json:"notes,omitempty" jsonschema:"top-level note on the document"`
}

// BulkSaveDocumentsInput holds parameters for reader_bulk_save_documents.
type BulkSaveDocumentsInput struct {
	Documents []SaveDocumentInput `json:"documents" jsonschema:"documents to save"`
}

// ListDocumentsInput holds parameters for reader_list_documents.
type ListDocumentsInput struct {
	ID               string   `json:"id,omitempty" jsonschema:"return only the document with this id"`
	UpdatedAfter     string   `json:"updated_after,omitempty" jsonschema:"ISO 8601 timestamp, only documents updated after it"`
	Location         string   `json:"location,omitempty" jsonschema:"only documents in this location"`
	Category         string   `json:"category,omitempty" jsonschema:"only documents of this category"`
	Tags             []string `json:"tags,omitempty" jsonschema:"only documents carrying all of these tags (at most 5)"`
	PageCursor       string   `json:"page_cursor,omitempty" jsonschema:"nextPageCursor from a previous call"`
	Limit            int      `json:"limit,omitempty" jsonschema:"documents per page, 1 to 100"`
	WithHTMLContent  *bool    `json:"with_html_content,omitempty" jsonschema:"include the html_content field"`
	WithRawSourceURL *bool    `json:"with_raw_source_url,omitempty" jsonschema:"include the raw_source_url field"`
	MaxPages         int      `json:"max_pages,omitempty" jsonschema:"follow nextPageCursor for up to this many pages (default 1)"`
}

// DocumentChanges are the editable fields of a Reader document. Unset
// fields are left unchanged.
type DocumentChanges struct {
	Title         string   `json:"title,omitempty" jsonschema:"new title"`
	Author        string   `json:"author,omitempty" jsonschema:"new author"`
	Summary       string   `json:"summary,omitempty" jsonschema:"new summary"`
	PublishedDate string   `json:"published_date,omitempty" jsonschema:"new ISO 8601 publication date"`
	ImageURL      string   `json:"image_url,omitempty" jsonschema:"new cover image url"`
	Seen          *bool    `json:"seen,omitempty" jsonschema:"mark the document seen or unseen"`
	Location      string   `json:"location,omitempty" jsonschema:"move the document to this location"`
	Category      string   `json:"category,omitempty" jsonschema:"new category"`
	Tags          []string `json:"tags,omitempty" jsonschema:"replace all tags with these"`
	Notes         *string  `json:"notes,omitempty" jsonschema:"new top-level note, an empty string clears it"`
}

func (c DocumentChanges) empty() bool {
	return c.Title == "" && c.Author == "" && c.Summary == "" && c.PublishedDate == "" &&
		c.ImageURL == "" && c.Seen == nil && c.Location == "" && c.Category == "" &&
		c.Tags == nil && c.Notes == nil
}

// UpdateDocumentInput holds parameters for reader_update_document.
type UpdateDocumentInput struct {
	DocumentID string `json:"document_id" jsonschema:"the Reader document id"`
	DocumentChanges
}

// BulkUpdateDocumentsInput holds parameters for
// reader_bulk_update_documents.
type BulkUpdateDocumentsInput struct {
	Updates []UpdateDocumentInput `json:"updates" jsonschema:"one entry per document to update"`
}

// DocumentIDInput identifies one Reader document.
type DocumentIDInput struct {
	DocumentID string `json:"document_id" jsonschema:"the Reader document id"`
}

// BulkDeleteDocumentsInput holds parameters for
// reader_bulk_delete_documents.
type BulkDeleteDocumentsInput struct {
	DocumentIDs []string `json:"document_ids" jsonschema:"ids of the documents to delete"`
}

func documentTools(r *Registry, c readwise.Caller) []Definition {
	return []Definition{
		define(r, "reader_save_document",
			"Save a url or an HTML document to Reader. Saving a url that already exists returns the existing document.",
			saveDocumentHandler(c),
			enumAt(documentLocations, "location"),
			enumAt(documentCategories, "category")),
		define(r, "reader_save_markdown",
			"Render a markdown note to HTML and save it to Reader. YAML frontmatter supplies title, author, summary, tags and url.",
			saveMarkdownHandler(c),
			enumAt(documentLocations, "location"),
			enumAt(documentCategories, "category")),
		define(r, "reader_bulk_save_documents",
			"Save many documents to Reader. Failures are reported per item and do not stop the batch.",
			bulkSaveDocumentsHandler(c),
			enumAt(documentLocations, "documents", "*", "location"),
			enumAt(documentCategories, "documents", "*", "category")),
		define(r, "reader_list_documents",
			"List Reader documents, newest first. Filter by location, category, tags or update time. Set max_pages to follow the cursor.",
			listDocumentsHandler(c),
			enumAt(documentLocations, "location"),
			enumAt(documentCategories, "category")),
		define(r, "reader_update_document",
			"Update the metadata, location or tags of a Reader document. Only the given fields change.",
			updateDocumentHandler(c),
			enumAt(documentLocations, "location"),
			enumAt(documentCategories, "category")),
		define(r, "reader_bulk_update_documents",
			"Update many Reader documents. Failures are reported per item and do not stop the batch.",
			bulkUpdateDocumentsHandler(c),
			enumAt(documentLocations, "updates", "*", "location"),
			enumAt(documentCategories, "updates", "*", "category")),
		define(r, "reader_delete_document",
			"Delete a Reader document.",
			deleteDocumentHandler(c)),
		define(r, "reader_bulk_delete_documents",
			"Delete many Reader documents. Failures are reported per item and do not stop the batch.",
			bulkDeleteDocumentsHandler(c)),
	}
}

func documentPath(op, id string) string {
	return fmt.Sprintf("/%s/%s/", op, url.PathEscape(id))
}

func checkDocumentID(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalidArgument("document_id must not be empty")
	}

	return nil
}

func checkAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return invalidArgument("url must be an absolute http(s) url, got %q", raw)
	}

	return nil
}

func saveDocument(ctx context.Context, c readwise.Caller, in SaveDocumentInput) (json.RawMessage, error) {
	if err := checkAbsoluteURL(in.URL); err != nil {
		return nil, err
	}

	return c.Call(ctx, readwise.SurfaceV3, "/save/", readwise.RequestOptions{
		Method: http.MethodPost,
		Body:   saveRequest{SaveDocumentInput: in, SavedUsing: savedUsing},
	})
}

func saveDocumentHandler(c readwise.Caller) handlerFunc[SaveDocumentInput] {
	return func(ctx context.Context, in SaveDocumentInput) (json.RawMessage, error) {
		return saveDocument(ctx, c, in)
	}
}

func saveMarkdownHandler(c readwise.Caller) handlerFunc[SaveMarkdownInput] {
	return func(ctx context.Context, in SaveMarkdownInput) (json.RawMessage, error) {
		if strings.TrimSpace(in.Markdown) == "" {
			return nil, invalidArgument("markdown must not be empty")
		}

		doc, err := markdown.Render([]byte(in.Markdown))
		if err != nil {
			return nil, invalidArgument("%v", err)
		}

		save := SaveDocumentInput{
			URL:           firstNonEmpty(in.URL, doc.URL, markdownURLPrefix+uuid.NewString()),
			HTML:          doc.HTML,
			Title:         firstNonEmpty(in.Title, doc.DisplayTitle()),
			Author:        firstNonEmpty(in.Author, doc.Author),
			Summary:       firstNonEmpty(in.Summary, doc.Summary),
			PublishedDate: doc.PublishedDate,
			ImageURL:      doc.ImageURL,
			Location:      in.Location,
			Category:      firstNonEmpty(in.Category, "note"),
			Tags:          addTags(doc.Tags, in.Tags),
			Notes:         in.Notes,
		}

		if len(save.Tags) == 0 {
			save.Tags = nil
		}

		return saveDocument(ctx, c, save)
	}
}

func bulkSaveDocumentsHandler(c readwise.Caller) handlerFunc[BulkSaveDocumentsInput] {
	return func(ctx context.Context, in BulkSaveDocumentsInput) (json.RawMessage, error) {
		if err := checkBulk(len(in.Documents), "documents"); err != nil {
			return nil, err
		}

		report := batch.Process(ctx, in.Documents,
			func(_ int, d SaveDocumentInput) string { return d.URL },
			func(ctx context.Context, d SaveDocumentInput) (json.RawMessage, error) {
				return saveDocument(ctx, c, d)
			},
		)

		return jsonResult(report)
	}
}

func listDocumentsHandler(c readwise.Caller) handlerFunc[ListDocumentsInput] {
	return func(ctx context.Context, in ListDocumentsInput) (json.RawMessage, error) {
		if in.Limit < 0 || in.Limit > maxListLimit {
			return nil, invalidArgument("limit must be between 1 and %d", maxListLimit)
		}

		if len(in.Tags) > maxFilterTags {
			return nil, invalidArgument("at most %d tags may be used as a filter", maxFilterTags)
		}

		if err := checkMaxPages(in.MaxPages); err != nil {
			return nil, err
		}

		q := query{}
		q.set("id", in.ID)
		q.set("updatedAfter", in.UpdatedAfter)
		q.set("location", in.Location)
		q.set("category", in.Category)
		q.add("tag", in.Tags)
		q.set("pageCursor", in.PageCursor)
		q.setInt("limit", int64(in.Limit))
		q.setBool("withHtmlContent", in.WithHTMLContent)
		q.setBool("withRawSourceUrl", in.WithRawSourceURL)

		if in.MaxPages > 1 {
			page, err := readwise.CollectPages(ctx, c, readwise.SurfaceV3, "/list/", q.values(), in.MaxPages)
			if err != nil {
				return nil, err
			}

			return jsonResult(page)
		}

		return c.Call(ctx, readwise.SurfaceV3, "/list/", readwise.RequestOptions{Query: q.values()})
	}
}

func updateDocument(ctx context.Context, c readwise.Caller, in UpdateDocumentInput) (json.RawMessage, error) {
	if err := checkDocumentID(in.DocumentID); err != nil {
		return nil, err
	}

	if in.empty() {
		return nil, invalidArgument("no fields to update for document %s", in.DocumentID)
	}

	return c.Call(ctx, readwise.SurfaceV3, documentPath("update", in.DocumentID), readwise.RequestOptions{
		Method: http.MethodPatch,
		Body:   in.DocumentChanges,
	})
}

func updateDocumentHandler(c readwise.Caller) handlerFunc[UpdateDocumentInput] {
	return func(ctx context.Context, in UpdateDocumentInput) (json.RawMessage, error) {
		return updateDocument(ctx, c, in)
	}
}

func bulkUpdateDocumentsHandler(c readwise.Caller) handlerFunc[BulkUpdateDocumentsInput] {
	return func(ctx context.Context, in BulkUpdateDocumentsInput) (json.RawMessage, error) {
		if err := checkBulk(len(in.Updates), "updates"); err != nil {
			return nil, err
		}

		report := batch.Process(ctx, in.Updates,
			func(_ int, u UpdateDocumentInput) string { return u.DocumentID },
			func(ctx context.Context, u UpdateDocumentInput) (json.RawMessage, error) {
				return updateDocument(ctx, c, u)
			},
		)

		return jsonResult(report)
	}
}

func deleteDocument(ctx context.Context, c readwise.Caller, id string) (json.RawMessage, error) {
	if err := checkDocumentID(id); err != nil {
		return nil, err
	}

	return c.Call(ctx, readwise.SurfaceV3, documentPath("delete", id), readwise.RequestOptions{Method: http.MethodDelete})
}

func deleteDocumentHandler(c readwise.Caller) handlerFunc[DocumentIDInput] {
	return func(ctx context.Context, in DocumentIDInput) (json.RawMessage, error) {
		return deleteDocument(ctx, c, in.DocumentID)
	}
}

func bulkDeleteDocumentsHandler(c readwise.Caller) handlerFunc[BulkDeleteDocumentsInput] {
	return func(ctx context.Context, in BulkDeleteDocumentsInput) (json.RawMessage, error) {
		if err := checkBulk(len(in.DocumentIDs), "document_ids"); err != nil {
			return nil, err
		}

		report := batch.Process(ctx, in.DocumentIDs,
			func(_ int, id string) string { return id },
			func(ctx context.Context, id string) (json.RawMessage, error) {
				return deleteDocument(ctx, c, id)
			},
		)

		return jsonResult(report)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}

	return ""
}
