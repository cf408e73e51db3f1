// Package observer is the chain observation port: one interface over EVM,
// Solana, XRPL, and Bitcoin back-ends. Observers fail closed: a query
// before connect or after disconnect errors, and a partially failed batch
// returns nothing rather than partial data.
package observer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

// Config describes one observed chain. Family must match the back-end the
// config is handed to.
type Config struct {
	ChainID  string
	Family   models.ChainFamily
	Endpoint string
	Symbol   string
	Decimals int
	Timeout  time.Duration
}

// DefaultTimeout bounds a single RPC when the config leaves Timeout zero.
const DefaultTimeout = 15 * time.Second

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// BalanceQuery asks for a native-asset balance.
type BalanceQuery struct {
	Address  string
	Finality string // back-end specific, e.g. "finalized"
}

// TokenBalanceQuery asks for a token balance.
type TokenBalanceQuery struct {
	Address string
	Token   string
}

// TransfersQuery filters observed transfers.
type TransfersQuery struct {
	Address   string
	Direction models.TransferDirection // empty = both
	Token     string
	FromBlock int64
	ToBlock   int64
	Limit     int
}

// Observer is the uniform chain port.
type Observer interface {
	ChainID() string
	Connect(ctx context.Context) error
	Disconnect() error
	GetStatus(ctx context.Context) models.ChainStatus
	GetBalance(ctx context.Context, q BalanceQuery) (models.BalanceResult, error)
	GetTokenBalance(ctx context.Context, q TokenBalanceQuery) (models.BalanceResult, error)
	GetTransfers(ctx context.Context, q TransfersQuery) ([]models.TransferEvent, error)
}

// New dispatches a config to its family's back-end.
func New(cfg Config) (Observer, error) {
	switch cfg.Family {
	case models.FamilyEVM:
		return NewEVM(cfg)
	case models.FamilySolana:
		return NewSolana(cfg)
	case models.FamilyXRPL:
		return NewXRPL(cfg)
	case models.FamilyBitcoin:
		return NewBitcoin(cfg)
	}
	return nil, errs.E(errs.InvalidInput, "unknown chain family %q", cfg.Family)
}

// requireFamily rejects configs handed to the wrong back-end.
func requireFamily(cfg Config, want models.ChainFamily) error {
	if cfg.Family != want {
		return errs.E(errs.InvalidInput, "chain %s belongs to family %q, not %q", cfg.ChainID, cfg.Family, want)
	}
	if cfg.ChainID == "" {
		return errs.E(errs.InvalidInput, "chain id must not be empty")
	}
	return nil
}

// connState is the shared connect/disconnect gate every back-end embeds.
type connState struct {
	mu        sync.Mutex
	connected bool
}

func (c *connState) markConnected()    { c.mu.Lock(); c.connected = true; c.mu.Unlock() }
func (c *connState) markDisconnected() { c.mu.Lock(); c.connected = false; c.mu.Unlock() }

func (c *connState) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *connState) requireConnected(chainID string) error {
	if !c.isConnected() {
		return errs.E(errs.NotConnected, "chain %s is not connected", chainID)
	}
	return nil
}

// sortTransfers fixes the canonical ascending (blockNumber, txHash) order
// regardless of RPC reply order.
func sortTransfers(events []models.TransferEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].TxHash < events[j].TxHash
	})
}

// applyLimit truncates a sorted transfer list.
func applyLimit(events []models.TransferEvent, limit int) []models.TransferEvent {
	if limit > 0 && len(events) > limit {
		return events[:limit]
	}
	return events
}

// matchesDirection applies the direction filter from the queried address's
// point of view.
func matchesDirection(ev models.TransferEvent, address string, dir models.TransferDirection) bool {
	switch dir {
	case models.TransferIncoming:
		return ev.To == address
	case models.TransferOutgoing:
		return ev.From == address
	default:
		return ev.To == address || ev.From == address
	}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
