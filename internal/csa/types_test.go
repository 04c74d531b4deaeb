package csa

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/terminal-bench/csarunner/internal/network"
	"github.com/terminal-bench/csarunner/internal/raoresult"
)

func TestCounterTradingValues(t *testing.T) {
	t.Run("should print canonical form", func(t *testing.T) {
		v := CounterTradingValues{PtEs: 412.5, FrEs: 1006}
		assert.Equal(t, "PT-ES-412.5_FR-ES-1006", v.String())
		assert.Equal(t, "network-ScaledBy-PT-ES-412.5_FR-ES-1006", v.VariantName())
	})

	t.Run("should round labels to two decimals", func(t *testing.T) {
		v := CounterTradingValues{PtEs: 1.0 / 3, FrEs: 2.005}
		assert.Equal(t, "PT-ES-0.33_FR-ES-2.01", v.String())
	})

	t.Run("should name the unmodified variant", func(t *testing.T) {
		assert.Equal(t, NoCounterTradingVariant, "no-ct-"+CounterTradingValues{}.String())
	})

	t.Run("should replace a single border", func(t *testing.T) {
		v := CounterTradingValues{PtEs: 1, FrEs: 2}.With(FrEs, 5)
		assert.Equal(t, 1.0, v.For(PtEs))
		assert.Equal(t, 5.0, v.For(FrEs))
	})
}

func TestBorder(t *testing.T) {
	t.Run("should map borders to zones and exchanges", func(t *testing.T) {
		assert.Equal(t, network.PT, PtEs.Neighbour())
		assert.Equal(t, network.FR, FrEs.Neighbour())
		assert.Equal(t, network.ExchangeESPT, PtEs.Exchange())
		assert.Equal(t, network.ExchangeESFR, FrEs.Exchange())
		assert.False(t, Border("ES-MA").Valid())
	})
}

func TestStepResult(t *testing.T) {
	t.Run("should mark insecure validations", func(t *testing.T) {
		step := NewValidationStep(CounterTradingValues{}, raoresult.Result{}, false)

		assert.False(t, step.IsSecure())
		assert.False(t, step.Failed())
		assert.Equal(t, ReasonUnsecureAfterValidation, step.Reason)
		assert.Equal(t, StatusFinishedUnsecure, StepStatus(step))
	})

	t.Run("should treat failures as insecure", func(t *testing.T) {
		values := CounterTradingValues{PtEs: 10, FrEs: 20}
		pair := FailedPair(values, ReasonGlskLimitation, errors.New("limit"))

		assert.True(t, pair.PtEs.Failed())
		assert.False(t, pair.BothSecure())
		assert.Equal(t, "PT-ES border: limit", pair.PtEs.FailureMessage)
		assert.Equal(t, "FR-ES border: limit", pair.For(FrEs).FailureMessage)
		assert.Nil(t, pair.FrEs.Artifact)
	})
}

func TestRequestValidation(t *testing.T) {
	t.Run("should require all uris", func(t *testing.T) {
		req := Request{ID: "t1", BusinessTimestamp: time.Now(), GridModelURI: "cgm"}
		assert.Error(t, req.Validate())

		req.PtEsCracFileURI = "pt"
		req.FrEsCracFileURI = "fr"
		assert.NoError(t, req.Validate())
	})
}

func TestInternalError(t *testing.T) {
	t.Run("should name border and candidate", func(t *testing.T) {
		cause := errors.New("boom")
		err := &InternalError{Border: FrEs, Values: CounterTradingValues{PtEs: 1, FrEs: 2}, Err: cause}

		assert.Equal(t, "internal error on FR-ES border at PT-ES-1_FR-ES-2: boom", err.Error())
		assert.ErrorIs(t, err, cause)
	})
}
