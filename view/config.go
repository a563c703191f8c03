// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package view

import (
	"github.com/juju/errors"

	"github.com/juju/sofa/couch"
	"github.com/juju/sofa/internal/transport"
)

// Config describes a single view query.
type Config struct {
	Database couch.Database

	// Design and View name the view to query. Leaving both empty queries
	// _all_docs instead.
	Design string
	View   string

	Params couch.ViewParams

	// Dialer defaults to a plain TCP dialer.
	Dialer transport.Dialer

	// ChunkSize bounds each socket read. Zero uses transport.DefaultChunkSize.
	ChunkSize int
}

// Validate checks the configuration.
func (config Config) Validate() error {
	if err := config.Database.Validate(); err != nil {
		return errors.Trace(err)
	}
	if (config.Design == "") != (config.View == "") {
		return errors.NotValidf("view %q/%q", config.Design, config.View)
	}
	if config.ChunkSize < 0 {
		return errors.NotValidf("chunk size %d", config.ChunkSize)
	}
	return nil
}

func (config Config) request() (transport.Request, error) {
	if config.Design == "" {
		return config.Database.AllDocsRequest(config.Params)
	}
	return config.Database.ViewRequest(config.Design, config.View, config.Params)
}
