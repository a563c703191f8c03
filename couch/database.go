// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package couch describes the database endpoints used by the streaming
// readers, and builds the requests sent to them.
package couch

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/juju/errors"
)

// DefaultPort is the port the database listens on out of the box.
const DefaultPort = 5984

// Database identifies a single database on a server.
type Database struct {
	Host string
	Port int
	Name string

	// Credentials, when set, are attached to every request.
	Credentials Credentials
}

// Validate checks that the database can be addressed.
func (db Database) Validate() error {
	if db.Host == "" {
		return errors.NotValidf("missing host")
	}
	if db.Port <= 0 || db.Port > 65535 {
		return errors.NotValidf("port %d", db.Port)
	}
	if db.Name == "" {
		return errors.NotValidf("missing database name")
	}
	return nil
}

// String implements fmt.Stringer. Credentials are never included.
func (db Database) String() string {
	return db.Path()
}

// Path returns the escaped path of the database, such as "/my%2Fdb".
func (db Database) Path(segments ...string) string {
	var b strings.Builder
	b.WriteString("/")
	b.WriteString(url.PathEscape(db.Name))
	for _, segment := range segments {
		b.WriteString("/")
		b.WriteString(url.PathEscape(segment))
	}
	return b.String()
}

// header returns the credential header merged with extra.
func (db Database) header(extra http.Header) http.Header {
	header := http.Header{}
	for name, values := range extra {
		header[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	if db.Credentials != nil {
		db.Credentials.Authorize(header)
	}
	return header
}
