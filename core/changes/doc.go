// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package changes holds the data model of a database change feed: one
// Event per document mutation, ordered by an opaque Sequence.
package changes
