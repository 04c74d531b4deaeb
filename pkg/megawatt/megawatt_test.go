package megawatt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLabel(t *testing.T) {
	t.Run("should keep the shortest decimal form", func(t *testing.T) {
		assert.Equal(t, "0", Label(0))
		assert.Equal(t, "256", Label(256))
		assert.Equal(t, "-101.5", Label(-101.5))
	})

	t.Run("should be stable across float noise", func(t *testing.T) {
		assert.Equal(t, "0.3", Label(0.1+0.2))
		assert.Equal(t, Label(1249.999999), Label(1250))
	})

	t.Run("should round half away from zero", func(t *testing.T) {
		assert.Equal(t, "12.35", Label(12.345))
		assert.Equal(t, "-12.35", Label(-12.345))
	})
}

func TestPower(t *testing.T) {
	t.Run("should print two decimals and the unit", func(t *testing.T) {
		assert.Equal(t, "1250.50 MW", New(1250.5).String())
	})

	t.Run("should round to the requested places", func(t *testing.T) {
		assert.Equal(t, 64.13, Round(64.126, 2))
		assert.Equal(t, 64.0, New(64.126).Round(0).Float64())
	})
}
