// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package couch

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/google/go-querystring/query"
	"github.com/juju/errors"

	"github.com/juju/sofa/internal/transport"
)

// ViewParams are the query parameters of a view or _all_docs request.
// Key, Keys, StartKey and EndKey may hold any JSON encodable value; nil
// leaves them out.
type ViewParams struct {
	Key      any
	Keys     []any
	StartKey any
	EndKey   any

	StartKeyDocID string
	EndKeyDocID   string

	Limit      int
	Skip       int
	Descending bool

	// InclusiveEnd and Reduce default to the server's behaviour when nil.
	InclusiveEnd *bool
	Reduce       *bool

	Group      bool
	GroupLevel int

	IncludeDocs bool
	UpdateSeq   bool
	Stale       string

	// Post sends Keys in a JSON request body instead of the query string,
	// for key lists too long for a URL.
	Post bool

	// Extra parameters are added verbatim.
	Extra url.Values

	// Header holds extra request headers.
	Header http.Header
}

// viewQuery is the wire form of ViewParams.
type viewQuery struct {
	Key           *jsonValue `url:"key,omitempty"`
	Keys          *jsonValue `url:"keys,omitempty"`
	StartKey      *jsonValue `url:"startkey,omitempty"`
	StartKeyDocID string     `url:"startkey_docid,omitempty"`
	EndKey        *jsonValue `url:"endkey,omitempty"`
	EndKeyDocID   string     `url:"endkey_docid,omitempty"`
	Limit         int        `url:"limit,omitempty"`
	Skip          int        `url:"skip,omitempty"`
	Descending    bool       `url:"descending,omitempty"`
	InclusiveEnd  *bool      `url:"inclusive_end,omitempty"`
	Reduce        *bool      `url:"reduce,omitempty"`
	Group         bool       `url:"group,omitempty"`
	GroupLevel    int        `url:"group_level,omitempty"`
	IncludeDocs   bool       `url:"include_docs,omitempty"`
	UpdateSeq     bool       `url:"update_seq,omitempty"`
	Stale         string     `url:"stale,omitempty"`
}

// jsonValue is a structured parameter, JSON encoded into the query string.
type jsonValue struct {
	value any
}

func newJSONValue(v any) *jsonValue {
	if v == nil {
		return nil
	}
	return &jsonValue{value: v}
}

// EncodeValues implements query.Encoder.
func (v *jsonValue) EncodeValues(key string, values *url.Values) error {
	data, err := json.Marshal(v.value)
	if err != nil {
		return errors.Annotatef(err, "encoding %s", key)
	}
	values.Set(key, string(data))
	return nil
}

// Values returns the encoded query string parameters. Keys are left out in
// POST mode.
func (p ViewParams) Values() (url.Values, error) {
	q := viewQuery{
		Key:           newJSONValue(p.Key),
		StartKey:      newJSONValue(p.StartKey),
		StartKeyDocID: p.StartKeyDocID,
		EndKey:        newJSONValue(p.EndKey),
		EndKeyDocID:   p.EndKeyDocID,
		Limit:         p.Limit,
		Skip:          p.Skip,
		Descending:    p.Descending,
		InclusiveEnd:  p.InclusiveEnd,
		Reduce:        p.Reduce,
		Group:         p.Group,
		GroupLevel:    p.GroupLevel,
		IncludeDocs:   p.IncludeDocs,
		UpdateSeq:     p.UpdateSeq,
		Stale:         p.Stale,
	}
	if p.Keys != nil && !p.Post {
		q.Keys = &jsonValue{value: p.Keys}
	}
	values, err := query.Values(q)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for name, extra := range p.Extra {
		values[name] = append([]string(nil), extra...)
	}
	return values, nil
}

// ViewRequest returns the request for the named view of a design document.
func (db Database) ViewRequest(design, name string, params ViewParams) (transport.Request, error) {
	if design == "" || name == "" {
		return transport.Request{}, errors.NotValidf("view %q/%q", design, name)
	}
	return db.rowsRequest(db.Path("_design", design, "_view", name), params)
}

// AllDocsRequest returns the request for the built-in _all_docs view.
func (db Database) AllDocsRequest(params ViewParams) (transport.Request, error) {
	return db.rowsRequest(db.Path("_all_docs"), params)
}

func (db Database) rowsRequest(path string, params ViewParams) (transport.Request, error) {
	values, err := params.Values()
	if err != nil {
		return transport.Request{}, errors.Trace(err)
	}
	req := transport.Request{
		Method: http.MethodGet,
		Path:   path,
		Query:  values,
		Header: db.header(params.Header),
	}
	if !params.Post {
		return req, nil
	}

	keys := params.Keys
	if keys == nil {
		keys = []any{}
	}
	body, err := json.Marshal(struct {
		Keys []any `json:"keys"`
	}{Keys: keys})
	if err != nil {
		return transport.Request{}, errors.Annotate(err, "encoding keys")
	}
	req.Method = http.MethodPost
	req.Body = body
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
