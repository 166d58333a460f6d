package metrics

import "log/slog"

// LogCollector is a Collector that forwards every observation to a
// *slog.Logger at debug level. It is the default Collector wired by cmd/logd
// when no richer sink (e.g. a push gateway) is configured.
type LogCollector struct {
	log *slog.Logger
}

// NewLogCollector returns a Collector backed by log.
func NewLogCollector(log *slog.Logger) *LogCollector {
	if log == nil {
		log = slog.Default()
	}
	return &LogCollector{log: log}
}

func (c *LogCollector) IncCounter(name string, labels map[string]string, delta float64) {
	c.log.Debug("counter", "name", name, "labels", labels, "delta", delta)
}

func (c *LogCollector) SetGauge(name string, labels map[string]string, value float64) {
	c.log.Debug("gauge", "name", name, "labels", labels, "value", value)
}

func (c *LogCollector) ObserveHistogram(name string, labels map[string]string, value float64) {
	c.log.Debug("histogram", "name", name, "labels", labels, "value", value)
}
