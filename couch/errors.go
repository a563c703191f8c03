// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package couch

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/juju/errors"
)

// ErrUnexpectedStatus is matched by every StatusError.
const ErrUnexpectedStatus = errors.ConstError("unexpected HTTP status")

// MaxErrorBody bounds how much of an error response is read.
const MaxErrorBody = 64 * 1024

// StatusError reports a response whose status was not 200 OK.
type StatusError struct {
	Code int

	// Name and Reason come from the {"error": ..., "reason": ...} body the
	// server sends with most failures. Either may be empty.
	Name   string
	Reason string
}

// Error is part of the error interface.
func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %d %s", ErrUnexpectedStatus, e.Code, http.StatusText(e.Code))
	switch {
	case e.Name != "" && e.Reason != "":
		msg += fmt.Sprintf(": %s: %s", e.Name, e.Reason)
	case e.Name != "":
		msg += ": " + e.Name
	case e.Reason != "":
		msg += ": " + e.Reason
	}
	return msg
}

// Is allows errors.Is(err, ErrUnexpectedStatus).
func (e *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}

// NewStatusError builds a StatusError from a response status and whatever
// part of its body was read. Bodies that are not the usual error object are
// ignored.
func NewStatusError(code int, body []byte) *StatusError {
	statusErr := &StatusError{Code: code}
	var doc struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if json.Unmarshal(body, &doc) == nil {
		statusErr.Name = doc.Error
		statusErr.Reason = doc.Reason
	}
	return statusErr
}
