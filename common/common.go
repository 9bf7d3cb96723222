// Package common holds constants shared across services and commands.
package common

// PackageName prefixes metrics and log output for all services in this module.
const PackageName = "secagg"

// Version is overwritten at build time via -ldflags.
var Version = "dev"
