// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"

	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"gopkg.in/yaml.v3"

	"github.com/juju/sofa/couch"
)

// connectionFile is the YAML document accepted by --config.
type connectionFile struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Cookie   string `yaml:"cookie"`
}

// connectionCommand holds the flags shared by every command that talks to
// a database.
type connectionCommand struct {
	cmd.CommandBase

	configPath    string
	loggingConfig string
	flags         connectionFile
}

func (c *connectionCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "YAML file with connection settings")
	f.StringVar(&c.loggingConfig, "logging-config", "", "specify log levels for modules, e.g. sofa.feed=DEBUG")
	f.StringVar(&c.flags.Host, "host", "", "database server host (default localhost)")
	f.IntVar(&c.flags.Port, "port", 0, "database server port (default 5984)")
	f.StringVar(&c.flags.Database, "db", "", "database name")
	f.StringVar(&c.flags.Username, "user", "", "user name for basic authentication")
	f.StringVar(&c.flags.Password, "password", "", "password for basic authentication")
	f.StringVar(&c.flags.Cookie, "cookie", "", "session cookie, e.g. AuthSession=...")
}

// setUp applies --logging-config and resolves the database to use.
// Flags take precedence over the config file.
func (c *connectionCommand) setUp(ctx *cmd.Context) (couch.Database, error) {
	if c.loggingConfig != "" {
		if err := loggo.ConfigureLoggers(c.loggingConfig); err != nil {
			return couch.Database{}, errors.Annotate(err, "invalid --logging-config")
		}
	}

	var settings connectionFile
	if c.configPath != "" {
		data, err := os.ReadFile(ctx.AbsPath(c.configPath))
		if err != nil {
			return couch.Database{}, errors.Annotate(err, "reading connection config")
		}
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return couch.Database{}, errors.Annotatef(err, "parsing %s", c.configPath)
		}
	}
	override(&settings.Host, c.flags.Host)
	override(&settings.Database, c.flags.Database)
	override(&settings.Username, c.flags.Username)
	override(&settings.Password, c.flags.Password)
	override(&settings.Cookie, c.flags.Cookie)
	if c.flags.Port != 0 {
		settings.Port = c.flags.Port
	}
	if settings.Host == "" {
		settings.Host = "localhost"
	}
	if settings.Port == 0 {
		settings.Port = couch.DefaultPort
	}

	db := couch.Database{
		Host: settings.Host,
		Port: settings.Port,
		Name: settings.Database,
	}
	switch {
	case settings.Cookie != "":
		db.Credentials = couch.SessionCookie(settings.Cookie)
	case settings.Username != "":
		db.Credentials = couch.BasicAuth{
			Username: settings.Username,
			Password: settings.Password,
		}
	}
	if err := db.Validate(); err != nil {
		return couch.Database{}, errors.Trace(err)
	}
	return db, nil
}

func override(target *string, value string) {
	if value != "" {
		*target = value
	}
}
