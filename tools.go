//go:build tools

// This file pins the linter version in go.sum. Run it with:
//
//	go run github.com/golangci/golangci-lint/cmd/golangci-lint run
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
)
