package mcpserver

import (
	"net/url"
	"strconv"
)

// query builds upstream query strings, skipping zero values so that an
// omitted argument is never sent.
type query url.Values

func (q query) set(key, v string) {
	if v != "" {
		url.Values(q).Set(key, v)
	}
}

func (q query) setInt(key string, v int64) {
	if v != 0 {
		url.Values(q).Set(key, strconv.FormatInt(v, 10))
	}
}

func (q query) setBool(key string, v *bool) {
	if v != nil {
		url.Values(q).Set(key, strconv.FormatBool(*v))
	}
}

func (q query) add(key string, vs []string) {
	for _, v := range vs {
		if v != "" {
			url.Values(q).Add(key, v)
		}
	}
}

func (q query) values() url.Values {
	if len(q) == 0 {
		return nil
	}

	return url.Values(q)
}

// checkPaging validates the page-number style paging of the v2 list
// endpoints.
func checkPaging(pageSize, page int) error {
	if pageSize < 0 || pageSize > 1000 {
		return invalidArgument("page_size must be between 1 and 1000")
	}

	if page < 0 {
		return invalidArgument("page must be positive")
	}

	return nil
}

// checkMaxPages bounds the cursor-following list tools.
func checkMaxPages(n int) error {
	if n < 0 || n > maxPagesLimit {
		return invalidArgument("max_pages must be between 1 and %d", maxPagesLimit)
	}

	return nil
}

const (
	// maxPagesLimit caps how many upstream pages one tool call may fetch.
	maxPagesLimit = 20
	// maxBulkItems caps the items accepted by one bulk tool call.
	maxBulkItems = 100
)

func checkBulk(n int, what string) error {
	if n == 0 {
		return invalidArgument("%s must not be empty", what)
	}

	if n > maxBulkItems {
		return invalidArgument("at most %d %s per call, got %d", maxBulkItems, what, n)
	}

	return nil
}
