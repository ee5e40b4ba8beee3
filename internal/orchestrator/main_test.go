// ABOUTME: Package test entry point with goroutine leak detection
// ABOUTME: Fails the run if any test leaves a monitor, stream or scheduler goroutine behind

package orchestrator

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Idle keep-alive connections of the agent HTTP clients.
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}
