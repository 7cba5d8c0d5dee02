package main

import (
	"fmt"

	"github.com/tjfontaine/staged-thinking-gateway/internal/auth"
)

// HashKeyCmd prints the hash of an admin key for server.admin_key_hashes.
type HashKeyCmd struct {
	Key string `arg:"" help:"API key to hash"`
}

func (h *HashKeyCmd) Run() error {
	keyHash := auth.HashAPIKey(h.Key)

	fmt.Printf("SHA-256 Hash: %s\n", keyHash)
	fmt.Println("\nAdd this to your config.yaml:")
	fmt.Println("  server:")
	fmt.Println("    admin_key_hashes:")
	fmt.Printf("      - %q\n", keyHash)
	return nil
}
