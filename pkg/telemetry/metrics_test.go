package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsHolder_DefaultsToNoop(t *testing.T) {
	m := GetGlobalMetrics()
	assert.NotNil(t, m.OpensTotal)

	assert.NotPanics(t, func() {
		m.Count(context.Background(), m.ProtectiveUpdatesTotal, "leg", "stop_loss")
		m.Count(context.Background(), nil, "leg", "take_profit")
	})
}

func TestMetricsHolder_PositionSize(t *testing.T) {
	m := GetGlobalMetrics()
	m.SetPositionSize("ALGOUSDT", -120)
	m.SetUnrealizedGain("ALGOUSDT", 1.2)

	sizes := m.GetPositionSize()
	assert.Equal(t, -120.0, sizes["ALGOUSDT"])

	sizes["ALGOUSDT"] = 0
	assert.Equal(t, -120.0, m.GetPositionSize()["ALGOUSDT"])
}
