// keyctl issues and manages mail-gateway API keys.
//
// Usage:
//
//	# Issue a key with the gateway default limit
//	keyctl create --name billing
//
//	# Issue a key limited to 50 sends per UTC day to one domain
//	keyctl create --name reports --daily-limit 50 --allow-domain example.com
//
//	# Disable and re-enable a key
//	keyctl deactivate <id>
//	keyctl activate <id>
//
//	# List keys
//	keyctl list
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
