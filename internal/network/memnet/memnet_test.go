package memnet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/csarunner/internal/network"
)

func testCase() Case {
	return Case{
		ID:          "swe",
		Sensitivity: 0.8,
		Zones: map[network.Country]Zone{
			network.ES: {Generation: 30000, Load: 27000, Pmin: 0, Pmax: 40000, Connected: true},
			network.FR: {Generation: 50000, Load: 52515, Pmin: 0, Pmax: 60000, Connected: true},
			network.PT: {Generation: 6000, Load: 5500, Pmin: 0, Pmax: 8000, Connected: true},
		},
	}
}

func TestNetworkCreation(t *testing.T) {
	t.Run("should start on the initial variant", func(t *testing.T) {
		n, err := New(testCase())
		require.NoError(t, err)

		assert.Equal(t, "swe", n.ID())
		assert.Equal(t, InitialVariant, n.WorkingVariant())
		assert.Equal(t, []string{InitialVariant}, n.Variants())
	})

	t.Run("should reject a case missing a zone", func(t *testing.T) {
		c := testCase()
		delete(c.Zones, network.PT)

		_, err := New(c)
		assert.ErrorIs(t, err, network.ErrUnknownZone)
	})
}

func TestLoadFlow(t *testing.T) {
	t.Run("should derive exchanges from net positions", func(t *testing.T) {
		n, err := New(testCase())
		require.NoError(t, err)

		exchanges, positions, err := network.Measure(context.Background(), n, InitialVariant)
		require.NoError(t, err)

		assert.InDelta(t, -2515, positions[network.FR], 1e-9)
		assert.InDelta(t, 500, positions[network.PT], 1e-9)
		assert.InDelta(t, 2015, positions[network.ES], 1e-9)
		assert.InDelta(t, 2012, exchanges[network.ExchangeESFR], 1e-9)
		assert.InDelta(t, -400, exchanges[network.ExchangeESPT], 1e-9)
		assert.Equal(t, 1, n.LoadFlowCount())
	})

	t.Run("should report divergence above threshold", func(t *testing.T) {
		n, err := New(testCase())
		require.NoError(t, err)
		n.SetDivergenceThreshold(1000)

		lf, err := n.RunLoadFlow(context.Background(), InitialVariant)
		require.NoError(t, err)
		assert.False(t, lf.Converged)

		_, err = n.BorderExchanges(InitialVariant)
		assert.Error(t, err)
	})

	t.Run("should honour context cancellation", func(t *testing.T) {
		n, err := New(testCase())
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = n.RunLoadFlow(ctx, InitialVariant)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestVariants(t *testing.T) {
	t.Run("should isolate cloned variants", func(t *testing.T) {
		n, err := New(testCase())
		require.NoError(t, err)

		restore, err := network.Branch(n, "candidate")
		require.NoError(t, err)
		_, err = n.Scale(network.FR, 100, network.ScalingParameters{Priority: network.RespectOfVolumeAsked})
		require.NoError(t, err)

		scaled, _ := n.Zone("candidate", network.FR)
		initial, _ := n.Zone(InitialVariant, network.FR)
		assert.Equal(t, 50100.0, scaled.Generation)
		assert.Equal(t, 50000.0, initial.Generation)

		require.NoError(t, restore())
		assert.Equal(t, InitialVariant, n.WorkingVariant())
		assert.NotContains(t, n.Variants(), "candidate")
	})

	t.Run("should refuse to overwrite without flag", func(t *testing.T) {
		n, err := New(testCase())
		require.NoError(t, err)
		require.NoError(t, n.CloneVariant(InitialVariant, "copy", false))

		err = n.CloneVariant(InitialVariant, "copy", false)
		assert.ErrorIs(t, err, network.ErrVariantExists)
	})

	t.Run("should refuse to remove the working variant", func(t *testing.T) {
		n, err := New(testCase())
		require.NoError(t, err)
		require.NoError(t, n.CloneVariant(InitialVariant, "copy", false))
		require.NoError(t, n.SetWorkingVariant("copy"))

		assert.Error(t, n.RemoveVariant("copy"))
		assert.Error(t, n.RemoveVariant(InitialVariant))
	})
}

func TestScale(t *testing.T) {
	t.Run("should clamp to pmax unless limits lifted", func(t *testing.T) {
		n, err := New(testCase())
		require.NoError(t, err)

		done, err := n.Scale(network.PT, 3000, network.ScalingParameters{Priority: network.RespectOfVolumeAsked})
		require.NoError(t, err)
		assert.Equal(t, 2000.0, done)

		require.NoError(t, n.LiftGenerationLimits(network.PT))
		done, err = n.Scale(network.PT, 3000, network.ScalingParameters{Priority: network.RespectOfVolumeAsked})
		require.NoError(t, err)
		assert.Equal(t, 3000.0, done)
	})

	t.Run("should stop short when distribution is preserved", func(t *testing.T) {
		n, err := New(testCase())
		require.NoError(t, err)

		done, err := n.Scale(network.PT, 3000, network.ScalingParameters{Priority: network.RespectOfDistribution})
		require.NoError(t, err)
		assert.Equal(t, 0.0, done)
	})

	t.Run("should only reconnect when asked", func(t *testing.T) {
		c := testCase()
		pt := c.Zones[network.PT]
		pt.Connected = false
		c.Zones[network.PT] = pt
		n, err := New(c)
		require.NoError(t, err)

		done, err := n.Scale(network.PT, 100, network.ScalingParameters{})
		require.NoError(t, err)
		assert.Equal(t, 0.0, done)

		done, err = n.Scale(network.PT, 100, network.ScalingParameters{Reconnect: true})
		require.NoError(t, err)
		assert.Equal(t, 100.0, done)
	})

	t.Run("should reject unknown zones", func(t *testing.T) {
		n, err := New(testCase())
		require.NoError(t, err)

		_, err = n.Scale(network.Country("DE"), 10, network.ScalingParameters{})
		assert.ErrorIs(t, err, network.ErrUnknownZone)
	})
}

func TestExport(t *testing.T) {
	t.Run("should round-trip a scaled variant", func(t *testing.T) {
		n, err := New(testCase())
		require.NoError(t, err)
		_, err = n.Scale(network.FR, 250, network.ScalingParameters{})
		require.NoError(t, err)

		data, err := n.Export(InitialVariant)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err)
		fr, ok := decoded.Zone(InitialVariant, network.FR)
		require.True(t, ok)
		assert.Equal(t, 50250.0, fr.Generation)
	})
}
