package raoresult

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseResult(flowSecure bool) Result {
	return Result{
		ID:                "rao-1",
		ComputationStatus: "DEFAULT",
		Secure:            map[PhysicalParameter]bool{Flow: flowSecure},
		Margins: map[PhysicalParameter]map[string]float64{
			Flow: {"line-a": 120, "line-b": -15},
		},
	}
}

func TestResultSecurity(t *testing.T) {
	t.Run("should treat missing flow verdict as insecure", func(t *testing.T) {
		r := Result{}
		assert.False(t, r.IsSecure(Flow))
		assert.False(t, r.IsSecure())
	})

	t.Run("should treat missing monitoring verdicts as secure", func(t *testing.T) {
		r := baseResult(true)
		assert.True(t, r.IsSecure(Angle, Voltage))
		assert.True(t, r.IsSecure())
	})

	t.Run("should expose margins", func(t *testing.T) {
		r := baseResult(false)
		m, ok := r.Margin(Flow, "line-b")
		require.True(t, ok)
		assert.Equal(t, -15.0, m)

		_, ok = r.Margin(Angle, "line-b")
		assert.False(t, ok)
	})
}

func TestMonitoringOverlay(t *testing.T) {
	t.Run("should AND monitoring verdict with base", func(t *testing.T) {
		base := baseResult(true)
		monitored := WithMonitoring(base, MonitoringResult{Parameter: Angle, Secure: false})

		assert.True(t, monitored.IsSecure(Flow))
		assert.False(t, monitored.IsSecure(Flow, Angle))
		assert.False(t, monitored.IsSecure())
	})

	t.Run("should not mutate the base result", func(t *testing.T) {
		base := baseResult(true)
		monitored := WithMonitoring(base, MonitoringResult{
			Parameter: Voltage,
			Secure:    false,
			Margins:   map[string]float64{"bus-1": -2},
		})

		snap := monitored.Snapshot()
		assert.False(t, snap.Secure[Voltage])
		assert.Equal(t, -2.0, snap.Margins[Voltage]["bus-1"])

		_, exists := base.Secure[Voltage]
		assert.False(t, exists)
		assert.NotContains(t, base.Margins, Voltage)
	})

	t.Run("should stack overlays", func(t *testing.T) {
		base := baseResult(true)
		angle := WithMonitoring(base, MonitoringResult{Parameter: Angle, Secure: true})
		voltage := WithMonitoring(angle, MonitoringResult{Parameter: Voltage, Secure: true})

		assert.True(t, voltage.IsSecure())
		snap := voltage.Snapshot()
		assert.True(t, snap.Secure[Angle])
		assert.True(t, snap.Secure[Voltage])
	})
}

func TestCounterTradingOverlay(t *testing.T) {
	t.Run("should override set-points by range action", func(t *testing.T) {
		base := baseResult(true)
		base.CounterTrades = []CounterTradeSetpoint{
			{RangeActionID: "ct-es-pt", Setpoint: 0},
			{RangeActionID: "other", Setpoint: 7},
		}

		overlay := WithCounterTrading(base, []CounterTradeSetpoint{
			{RangeActionID: "ct-pt-es", Setpoint: 300, FlowConstraints: []string{"line-a"}},
			{RangeActionID: "ct-es-pt", Setpoint: -300, FlowConstraints: []string{"line-a"}},
		})

		ct := overlay.CounterTrading()
		require.Len(t, ct, 3)
		assert.Equal(t, "ct-es-pt", ct[0].RangeActionID)
		assert.Equal(t, -300.0, ct[0].Setpoint)
		assert.Equal(t, "ct-pt-es", ct[1].RangeActionID)
		assert.Equal(t, "other", ct[2].RangeActionID)
		assert.Len(t, base.CounterTrades, 2)
		assert.Equal(t, 0.0, base.CounterTrades[0].Setpoint)
	})
}

func TestEncoding(t *testing.T) {
	t.Run("should flatten overlays when encoding", func(t *testing.T) {
		artifact := WithCounterTrading(
			WithMonitoring(baseResult(true), MonitoringResult{Parameter: Voltage, Secure: true}),
			[]CounterTradeSetpoint{{RangeActionID: "ct-fr-es", Setpoint: 150}},
		)

		data, err := Encode(artifact)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err)
		assert.True(t, decoded.IsSecure())
		assert.True(t, decoded.Secure[Voltage])
		require.Len(t, decoded.CounterTrades, 1)
		assert.Equal(t, 150.0, decoded.CounterTrades[0].Setpoint)
	})

	t.Run("should reject malformed payloads", func(t *testing.T) {
		_, err := Decode([]byte("{"))
		assert.Error(t, err)
	})
}
