package artifactcache

import "time"

// Metrics receives orchestrator measurements. Implementations must be safe
// for concurrent use and must not block.
type Metrics interface {
	// Hit records a key served from a local tier ("memory" or "disk").
	Hit(tier string)
	// Miss records a key that needed a remote fetch.
	Miss()
	// Joined records a caller attaching to an in-flight fetch.
	Joined()
	// Fetched records a successful remote fetch.
	Fetched(backend string, bytes int64, elapsed time.Duration)
	// Failed records a failed backend attempt. kind is one of "not_found",
	// "transport", "auth" or "quota".
	Failed(backend, op, kind string)
	// Unavailable records a key that no backend could serve.
	Unavailable()
}

type noopMetrics struct{}

func (noopMetrics) Hit(string) {}
func (noopMetrics) Miss() {}
func (noopMetrics) Joined() {}
func (noopMetrics) Fetched(string, int64, time.Duration) {}
func (noopMetrics) Failed(string, string, string) {}
func (noopMetrics) Unavailable() {}
