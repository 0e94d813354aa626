// Package idgen generates short, URL-safe ids for read-model rows.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes by row kind.
const (
	PrefixUserActivity   = "ua-"
	PrefixPromptActivity = "pa-"
)

const (
	alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	length   = 16
)

// New returns prefix followed by a random nanoid.
func New(prefix string) (string, error) {
	id, err := nanoid.Generate(alphabet, length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
