package tilecache

// Source is where a loaded tile's bytes came from.
type Source string

const (
	SourceDisk    Source = "disk"
	SourceNetwork Source = "network"
)

// AttemptResult classifies one network fetch attempt.
type AttemptResult string

const (
	AttemptOK      AttemptResult = "ok"
	AttemptTimeout AttemptResult = "timeout"
	AttemptError   AttemptResult = "error"
)

// Metrics receives service events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	Hit()
	Miss()
	Evict()
	Promote()
	Attempt(r AttemptResult)
	Loaded(src Source)
	Failed()
	Size(entries, queued int, imageBytes int64)
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                                      {}
func (NoopMetrics) Miss()                                     {}
func (NoopMetrics) Evict()                                    {}
func (NoopMetrics) Promote()                                  {}
func (NoopMetrics) Attempt(AttemptResult)                     {}
func (NoopMetrics) Loaded(Source)                             {}
func (NoopMetrics) Failed()                                   {}
func (NoopMetrics) Size(entries, queued int, imageBytes int64) {}

var _ Metrics = NoopMetrics{}
