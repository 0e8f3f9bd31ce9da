// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("supawave - Offline-First Point-of-Sale Terminal")
	fmt.Println("===============================================")
	fmt.Println()
	fmt.Println("Sales are committed to a local store first and delivered to the server")
	fmt.Println("through a durable, idempotent sync queue whenever the terminal is online.")
	fmt.Println()

	fmt.Println("Binaries:")
	fmt.Println()
	fmt.Println("1. Terminal (cmd/posterminal/)")
	fmt.Println("   Reads barcodes and commands from stdin, prints receipts, syncs in the background")
	fmt.Println("   Run: go run ./cmd/posterminal -config pos.yaml")
	fmt.Println()

	fmt.Println("2. Ingest server (cmd/posingest/)")
	fmt.Println("   Reference server: idempotent sale and inventory endpoints, catalog, JWT auth")
	fmt.Println("   Run: JWT_SECRET=... go run ./cmd/posingest -catalog catalog.yaml")
	fmt.Println()
}
