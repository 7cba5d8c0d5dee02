// Package gateway provides the public API for embedding the staged thinking gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/staged-thinking-gateway/internal/runtime"
)

// Gateway is the main entry point for running the staged thinking gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithSQLite("./data/staged-thinking.db"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage
	WithSQLite          = runtime.WithSQLite
	WithMemoryStorage   = runtime.WithMemoryStorage
	WithStorageProvider = runtime.WithStorageProvider

	// Pipeline
	WithStageSource = runtime.WithStageSource

	// Observability
	WithLogger      = runtime.WithLogger
	WithMetrics     = runtime.WithMetrics
	WithTraceWriter = runtime.WithTraceWriter

	// Transport
	WithHTTPClient = runtime.WithHTTPClient
	WithListener   = runtime.WithListener
)
