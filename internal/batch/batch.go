// Package batch runs a per-item operation over a list and aggregates the
// outcomes. A failing item is recorded and processing continues; one bad
// item never aborts the batch.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
)

// Item status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the outcome of one item.
type Result struct {
	Index  int             `json:"index"`
	ID     string          `json:"id,omitempty"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Report aggregates every Result of a batch, in input order.
type Report struct {
	Total      int      `json:"total"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Results    []Result `json:"results"`
}

// Process calls fn on each item sequentially. id labels an item in its
// Result and may be nil. A panic in fn is recorded as that item's error.
func Process[T any](ctx context.Context, items []T, id func(int, T) string, fn func(context.Context, T) (json.RawMessage, error)) Report {
	report := Report{
		Total:   len(items),
		Results: make([]Result, 0, len(items)),
	}

	for i, item := range items {
		r := Result{Index: i}
		if id != nil {
			r.ID = id(i, item)
		}

		res, err := runOne(ctx, item, fn)
		if err != nil {
			r.Status = StatusError
			r.Error = err.Error()
			report.Failed++
		} else {
			r.Status = StatusSuccess
			r.Result = res
			report.Successful++
		}

		report.Results = append(report.Results, r)
	}

	return report
}

func runOne[T any](ctx context.Context, item T, fn func(context.Context, T) (json.RawMessage, error)) (res json.RawMessage, err error) {
	defer func() {
		if v := recover(); v != nil {
			res = nil
			err = fmt.Errorf("panic: %v", v)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return fn(ctx, item)
}
