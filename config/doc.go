// Package config loads and validates entitysync process configuration.
//
// Configuration comes from JSON or YAML files merged in layers, then from
// ENTITYSYNC_* environment variables. Defaults fill everything neither sets.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("config/base.yaml")
//	loader.AddLayer("config/production.json") // Overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Layer Merging
//
// Layers are merged key by key with last-wins semantics:
//
//	base.yaml:
//	  tenant: dev
//	  stores: {page_size: 500}
//
//	production.json:
//	  {"tenant": "acme"}
//
//	Result:
//	  tenant: acme, stores.page_size: 500
//
// Durations may be written as strings ("5s") in either format.
//
// # Environment Variable Overrides
//
//	export ENTITYSYNC_TENANT="acme"
//	export ENTITYSYNC_NATS_URLS="nats://server1:4222,nats://server2:4222"
//	export ENTITYSYNC_BACKEND="graphql"
//	export ENTITYSYNC_GRAPHQL_ENDPOINT="https://crm.example.com/graphql"
//
// # Thread-Safe Access
//
// SafeConfig hands out deep copies and validates before replacing:
//
//	sc := config.NewSafeConfig(cfg)
//	current := sc.Get()
//	current.Stores.PageSize = 200
//	if err := sc.Update(current); err != nil {
//		return err
//	}
//
// # Security
//
// Files are size limited (10MB), JSON nesting is capped at 100 levels,
// paths may not escape the working directory, and only regular files with a
// .json, .yaml or .yml extension are read.
package config
