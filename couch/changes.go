// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package couch

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/juju/sofa/core/changes"
	"github.com/juju/sofa/internal/transport"
)

// ChangesOptions select what a continuous change feed reports.
type ChangesOptions struct {
	// Filter names a filter function, as "design/name".
	Filter string

	// Since is the sequence to start after. Zero starts at the beginning.
	Since changes.Sequence

	// IncludeDocs asks for the document body with every change.
	IncludeDocs bool

	// Heartbeat is the interval at which an idle server sends a newline.
	Heartbeat time.Duration

	// Params are added to the query string and take precedence over the
	// parameters above.
	Params url.Values

	// Header holds extra request headers.
	Header http.Header
}

// ChangesRequest returns the request for the continuous change feed.
func (db Database) ChangesRequest(opts ChangesOptions) transport.Request {
	query := url.Values{}
	query.Set("feed", "continuous")
	if opts.Heartbeat > 0 {
		query.Set("heartbeat", strconv.FormatInt(opts.Heartbeat.Milliseconds(), 10))
	}
	if opts.Filter != "" {
		query.Set("filter", opts.Filter)
	}
	if !opts.Since.IsZero() {
		query.Set("since", opts.Since.String())
	}
	if opts.IncludeDocs {
		query.Set("include_docs", "true")
	}
	for name, values := range opts.Params {
		query[name] = append([]string(nil), values...)
	}
	return transport.Request{
		Method: http.MethodGet,
		Path:   db.Path("_changes"),
		Query:  query,
		Header: db.header(opts.Header),
	}
}
