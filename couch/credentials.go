// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package couch

import (
	"encoding/base64"
	"net/http"
)

// Credentials add authentication to a request header.
type Credentials interface {
	// Authorize sets the credential header, or leaves the header alone
	// when there is nothing to send.
	Authorize(http.Header)
}

// BasicAuth sends a username and password with HTTP basic authentication.
type BasicAuth struct {
	Username string
	Password string
}

// Authorize is part of the Credentials interface.
func (a BasicAuth) Authorize(header http.Header) {
	if a.Username == "" {
		return
	}
	token := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
	header.Set("Authorization", "Basic "+token)
}

// SessionCookie is an opaque session cookie, such as "AuthSession=abc",
// obtained from the session endpoint.
type SessionCookie string

// Authorize is part of the Credentials interface.
func (s SessionCookie) Authorize(header http.Header) {
	if s == "" {
		return
	}
	header.Set("Cookie", string(s))
}
