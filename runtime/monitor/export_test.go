package monitor

import "context"

// ExportPollOnceForTest exposes pollOnce to external tests in this package,
// mirroring the runtime/worker package's own export_test.go idiom.
func (e *Engine) ExportPollOnceForTest(ctx context.Context) {
	e.pollOnce(ctx)
}
