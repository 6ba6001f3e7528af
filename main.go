// Copyright 2025 Fieldworks Contributors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-formsync - Offline Form Submission Queue")
	fmt.Println("===========================================")
	fmt.Println()
	fmt.Println("go-formsync keeps field data collection working without connectivity:")
	fmt.Println("form submissions queue locally and drain to the server in one batch")
	fmt.Println("when the network returns, with per-item failure reporting.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("- formqueue: offline client (durable queue, network monitor, drainer,")
	fmt.Println("  legacy answer-shape migrator)")
	fmt.Println("- formsync: server (batch sync endpoint, form/response/feedback storage,")
	fmt.Println("  JWT multi-tenant auth)")
	fmt.Println()

	fmt.Println("Example:")
	fmt.Println()
	fmt.Println("- HTTP Server (examples/nethttp_server/)")
	fmt.Println("  A complete sync server on chi + pgx")
	fmt.Println("  Run: cd examples/nethttp_server && go run . -config config.yaml")
	fmt.Println()
}
