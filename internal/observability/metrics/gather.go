package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// CounterValue sums the counter series of name whose labels include match.
func CounterValue(g prometheus.Gatherer, name string, match map[string]string) float64 {
	families, err := g.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			if !labelsMatch(m, match) {
				continue
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func labelsMatch(m *dto.Metric, match map[string]string) bool {
	if len(match) == 0 {
		return true
	}
	found := 0
	for _, pair := range m.GetLabel() {
		if want, ok := match[pair.GetName()]; ok {
			if want != pair.GetValue() {
				return false
			}
			found++
		}
	}
	return found == len(match)
}
