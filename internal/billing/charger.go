package billing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrChargeTimeout is returned when the gateway does not answer in time
	ErrChargeTimeout = errors.New("charge timed out")
	// ErrChargeDeclined is returned when the gateway refuses a charge
	ErrChargeDeclined = errors.New("charge declined")
)

// ChargeRequest describes one charge against a stored payment method
type ChargeRequest struct {
	PaymentID     string
	CustomerID    string
	PaymentMethod string
	Amount        float64
}

// Charge is a successful gateway response
type Charge struct {
	TransactionID string
	Amount        float64
	ChargedAt     time.Time
}

// Charger performs payment charges
type Charger interface {
	Charge(ctx context.Context, req ChargeRequest) (*Charge, error)
}

// SimulatorConfig tunes the simulated gateway
type SimulatorConfig struct {
	FailureRate float64
	Latency     time.Duration
	Timeout     time.Duration
}

// SimulatedCharger stands in for a payment gateway
type SimulatedCharger struct {
	logger *zap.Logger
	config SimulatorConfig

	mu   sync.Mutex
	rand *rand.Rand
}

// NewSimulatedCharger creates a new simulated charger
func NewSimulatedCharger(config SimulatorConfig, logger *zap.Logger) *SimulatedCharger {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &SimulatedCharger{
		logger: logger.Named("billing"),
		config: config,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Charge implements Charger
func (c *SimulatedCharger) Charge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("invalid charge amount %.2f", req.Amount)
	}
	if req.PaymentMethod == "" {
		return nil, errors.New("no payment method on file")
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	select {
	case <-time.After(c.config.Latency):
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrChargeTimeout, c.config.Timeout)
		}
		return nil, ctx.Err()
	}

	c.mu.Lock()
	roll := c.rand.Float64()
	c.mu.Unlock()
	if roll < c.config.FailureRate {
		c.logger.Info("Charge declined",
			zap.String("payment_id", req.PaymentID),
			zap.String("customer_id", req.CustomerID))
		return nil, ErrChargeDeclined
	}

	charge := &Charge{
		TransactionID: "txn_" + uuid.New().String(),
		Amount:        req.Amount,
		ChargedAt:     time.Now(),
	}
	c.logger.Info("Charge succeeded",
		zap.String("payment_id", req.PaymentID),
		zap.String("transaction_id", charge.TransactionID),
		zap.Float64("amount", req.Amount))
	return charge, nil
}
