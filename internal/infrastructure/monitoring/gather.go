package monitoring

import (
	"sort"

	dto "github.com/prometheus/client_model/go"
)

// Gather flattens the registry into name → value. Counters and gauges report
// the sum over labels; histograms report their sample count.
func (m *Metrics) Gather() (map[string]float64, error) {
	if m == nil {
		return map[string]float64{}, nil
	}

	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(families))
	for _, family := range families {
		var total float64
		for _, metric := range family.GetMetric() {
			total += value(family.GetType(), metric)
		}
		out[family.GetName()] = total
	}
	return out, nil
}

// Names returns the gathered metric names in order
func Names(values map[string]float64) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func value(kind dto.MetricType, metric *dto.Metric) float64 {
	switch kind {
	case dto.MetricType_COUNTER:
		return metric.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return metric.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		return float64(metric.GetHistogram().GetSampleCount())
	default:
		return 0
	}
}
