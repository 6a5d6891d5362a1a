//go:build tools
// +build tools

// Package realtime tracks tool dependencies (mockgen) so that go.mod and
// go.sum stay in sync for `go generate`.
package realtime

import (
	_ "go.uber.org/mock/mockgen"
)
