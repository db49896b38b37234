// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 go-storysync - Offline-First Story Caching & Sync")
	fmt.Println("====================================================")
	fmt.Println()
	fmt.Println("go-storysync keeps a geotagged story app fully usable without connectivity:")
	fmt.Println("a strategy-driven HTTP caching gateway, a durable local story store, and a")
	fmt.Println("reconciler that uploads offline-authored stories once the network returns.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Story API Server (examples/storyapi_server/)")
	fmt.Println("   The remote story API: registration, token login, story upload & photo hosting")
	fmt.Println("   Features: chi router, JWT auth, bcrypt passwords, Postgres or in-memory store")
	fmt.Println("   Run: cd examples/storyapi_server && go run .")
	fmt.Println()

	fmt.Println("2. 📱 Offline Client (examples/offline_client/)")
	fmt.Println("   An end-to-end offline-first client over the story API")
	fmt.Println("   Features: SQLite cache tiers, offline story capture, background sync")
	fmt.Println("   Run: cd examples/offline_client && go run .")
	fmt.Println()
}
