package parser

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	analyzedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skillscan_parser_analyzed_total",
		Help: "Work items analyzed successfully.",
	})
	skippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skillscan_parser_skipped_total",
		Help: "Work items skipped, by reason and extension or language.",
	}, []string{"reason", "key"})
)

// Health counts analyze outcomes for the lifetime of a scan. Known parse
// failures are absorbed here so one odd file never aborts a crawl.
type Health struct {
	mu           sync.Mutex
	Analyzed     int
	Unrecognized map[string]int // by extension
	Unsupported  map[string]int // by language
	Unparsable   map[string]int // by language
}

func NewHealth() *Health {
	return &Health{
		Unrecognized: map[string]int{},
		Unsupported:  map[string]int{},
		Unparsable:   map[string]int{},
	}
}

// observe classifies the outcome of one analyze call. It reports whether the
// error was one of the three known skip kinds; unknown errors are the
// caller's problem.
func (h *Health) observe(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err == nil {
		h.Analyzed++
		analyzedTotal.Inc()
		return true
	}

	var unrecognized *UnrecognizedExtensionError
	var unsupported *MissingLanguageSupportError
	var unparsable *UnparsableCodeError
	switch {
	case errors.As(err, &unrecognized):
		h.Unrecognized[unrecognized.Ext]++
		skippedTotal.WithLabelValues("unrecognized_extension", unrecognized.Ext).Inc()
	case errors.As(err, &unsupported):
		h.Unsupported[unsupported.Language]++
		skippedTotal.WithLabelValues("unsupported_language", unsupported.Language).Inc()
	case errors.As(err, &unparsable):
		h.Unparsable[unparsable.Language]++
		skippedTotal.WithLabelValues("unparsable_code", unparsable.Language).Inc()
	default:
		return false
	}
	slog.Debug("Skipping parsing", "reason", err.Error())
	return true
}

// LogSummary reports the counters at the end of a scan.
func (h *Health) LogSummary() {
	h.mu.Lock()
	defer h.mu.Unlock()
	slog.Info("Parser health",
		"analyzed", h.Analyzed,
		"unrecognized", h.Unrecognized,
		"unsupported", h.Unsupported,
		"unparsable", h.Unparsable,
	)
}
