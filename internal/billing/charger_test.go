package billing

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSimulatedCharger(t *testing.T) {
	req := ChargeRequest{PaymentID: "p1", CustomerID: "c1", PaymentMethod: "card_1", Amount: 100}

	t.Run("Success", func(t *testing.T) {
		c := NewSimulatedCharger(SimulatorConfig{}, zap.NewNop())
		charge, err := c.Charge(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(charge.TransactionID, "txn_"))
		assert.Equal(t, 100.0, charge.Amount)
	})

	t.Run("AlwaysDeclines", func(t *testing.T) {
		c := NewSimulatedCharger(SimulatorConfig{FailureRate: 1}, zap.NewNop())
		_, err := c.Charge(context.Background(), req)
		assert.ErrorIs(t, err, ErrChargeDeclined)
	})

	t.Run("Timeout", func(t *testing.T) {
		c := NewSimulatedCharger(SimulatorConfig{Latency: time.Second, Timeout: 10 * time.Millisecond}, zap.NewNop())
		_, err := c.Charge(context.Background(), req)
		assert.ErrorIs(t, err, ErrChargeTimeout)
	})

	t.Run("InvalidRequest", func(t *testing.T) {
		c := NewSimulatedCharger(SimulatorConfig{}, zap.NewNop())
		_, err := c.Charge(context.Background(), ChargeRequest{Amount: 0, PaymentMethod: "x"})
		assert.Error(t, err)
		_, err = c.Charge(context.Background(), ChargeRequest{Amount: 10})
		assert.Error(t, err)
	})
}
