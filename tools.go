//go:build tools

// Package tools tracks code generators in go.mod.
// Install with: go install github.com/golang/mock/mockgen
package tools

import (
	_ "github.com/golang/mock/mockgen"
)
