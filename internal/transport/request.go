// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transport

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
)

// UserAgent is sent with every request written by a Conn.
const UserAgent = "sofa/1.0"

// Request is a single HTTP/1.1 request, framed by hand onto the wire.
type Request struct {
	// Method defaults to GET when empty.
	Method string

	// Path is the already escaped request path, including the leading
	// slash.
	Path string

	// Query holds the query string parameters, if any.
	Query url.Values

	// Header holds extra request headers. Host, User-Agent and
	// Content-Length are always computed.
	Header http.Header

	// Body is sent verbatim after the header block.
	Body []byte
}

// URI returns the request target written on the request line.
func (r Request) URI() string {
	path := r.Path
	if path == "" {
		path = "/"
	}
	if len(r.Query) == 0 {
		return path
	}
	return path + "?" + r.Query.Encode()
}

// Frame renders the request line, headers, terminating blank line and body
// for the given host and port.
func (r Request) Frame(host string, port int) []byte {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", method, r.URI())
	fmt.Fprintf(&buf, "Host: %s\r\n", net.JoinHostPort(host, strconv.Itoa(port)))
	fmt.Fprintf(&buf, "User-Agent: %s\r\n", UserAgent)
	if r.Header.Get("Accept") == "" {
		buf.WriteString("Accept: application/json\r\n")
	}

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		switch http.CanonicalHeaderKey(name) {
		case "Host", "User-Agent", "Content-Length":
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range r.Header[name] {
			fmt.Fprintf(&buf, "%s: %s\r\n", http.CanonicalHeaderKey(name), value)
		}
	}

	if len(r.Body) > 0 || method == http.MethodPost || method == http.MethodPut {
		if r.Header.Get("Content-Type") == "" {
			buf.WriteString("Content-Type: application/json\r\n")
		}
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(r.Body))
	}
	buf.WriteString("\r\n")
	buf.Write(r.Body)
	return buf.Bytes()
}
