//go:build tools

// Package tools pins development tool versions in go.mod.
// Run the linter with: go run github.com/golangci/golangci-lint/cmd/golangci-lint run ./...
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
)
