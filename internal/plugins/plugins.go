// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

// Package plugins wires the supported resource plugins to the manager.
package plugins

import (
	"strings"

	"github.com/cobaltcore-dev/reservoir/internal/conf"
	"github.com/cobaltcore-dev/reservoir/internal/db"
	"github.com/cobaltcore-dev/reservoir/internal/ledger"
	"github.com/cobaltcore-dev/reservoir/internal/manager"
	"github.com/cobaltcore-dev/reservoir/internal/nova"
	"github.com/cobaltcore-dev/reservoir/internal/plugins/dummyvm"
	"github.com/cobaltcore-dev/reservoir/internal/plugins/hosts"
)

// Dependencies shared by the resource plugins.
type Dependencies struct {
	DB    db.DB
	Store manager.Store
	Nova  nova.NovaAPI
	// Usage ledger, nil when usage enforcement is disabled.
	Usage ledger.Ledger
	Hosts conf.HostsConfig
}

// Plugin constructors by the name used in the configuration file.
var supportedPlugins = map[string]func(Dependencies) manager.Plugin{
	hosts.PluginName: func(deps Dependencies) manager.Plugin {
		return hosts.NewPlugin(deps.DB, deps.Store, deps.Nova, deps.Usage, deps.Hosts)
	},
	dummyvm.PluginName: func(deps Dependencies) manager.Plugin {
		return dummyvm.NewPlugin(deps.Store)
	},
}

// Load the plugins named in the configuration.
func Load(config conf.ManagerConfig, deps Dependencies) ([]manager.Plugin, error) {
	names := config.PluginNames()
	loaded := make([]manager.Plugin, 0, len(names))
	var unknown []string
	for _, name := range names {
		newPlugin, ok := supportedPlugins[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		loaded = append(loaded, newPlugin(deps))
	}
	if len(unknown) > 0 {
		return nil, manager.ErrPluginConfiguration.Msgf(
			"Invalid plugin names are specified: %s", strings.Join(unknown, ", "))
	}
	return loaded, nil
}
