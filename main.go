// Copyright 2025 Faheem Ho
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("expense-tracker sync - Offline-First Synchronization Engine")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Println("This module keeps the expense tracker usable while disconnected and")
	fmt.Println("reconciles local changes with concurrent remote edits on reconnect.")
	fmt.Println()
	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  offsync/   - core engine: durable mutation queue, connectivity")
	fmt.Println("               probing, validation/repair, conflict resolution and")
	fmt.Println("               the background reconciliation loop")
	fmt.Println("  pgstore/   - RemoteStore adapter for PostgreSQL (pgx, idempotent upserts)")
	fmt.Println("  httpstore/ - RemoteStore adapter for the HTTP API (JWT bearer auth)")
}
