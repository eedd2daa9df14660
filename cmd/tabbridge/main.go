// Command tabbridge is the native-messaging host that exposes a browser
// extension through a local HTTP API.
//
// Build with version information:
//
//	go build -ldflags "-X github.com/turtacn/tabbridge/internal/cli.Version=v1.2.0" ./cmd/tabbridge
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/turtacn/tabbridge/internal/cli"
	"github.com/turtacn/tabbridge/pkg/logger"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			// stdout may be the frame channel, so panics only ever go to stderr
			if logger.Log != nil {
				logger.Log.Error("Panic recovered", "panic", r, "stack", string(debug.Stack()))
			} else {
				fmt.Fprintf(os.Stderr, "Panic recovered: %v\n%s", r, debug.Stack())
			}
			os.Exit(2)
		}
	}()

	cli.Execute()
}

// Personal.AI order the ending
