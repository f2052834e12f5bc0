// Package id generates opaque unique identifiers for bus entities.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 32-character nanoid suitable for thread, message,
// agent and event-adjacent opaque ids.
func Generate() string {
	v, err := gonanoid.Generate(alphabet, 32)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return v
}

// Short returns an 8-character nanoid, used for auto-generated display
// name suffixes (e.g. "Claude Code (ab12cd34)").
func Short() string {
	v, err := gonanoid.Generate(alphabet, 8)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return v
}
