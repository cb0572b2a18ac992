// Package iox holds small close helpers shared by the notify transports
// and tests.
package iox

import "io"

// DiscardClose closes c, dropping the error. For defers on response
// bodies and clients where a close failure has no recovery path.
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc wraps c.Close in a no-arg func for t.Cleanup registration.
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}
