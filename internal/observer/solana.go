package observer

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
	"github.com/rawblock/attestia/pkg/money"
)

// Solana observes a Solana cluster via its JSON-RPC API. Slots stand in for
// block numbers in the uniform transfer shape.
type Solana struct {
	cfg  Config
	conn connState
	rpc  *rpcClient
	// transport overrides the HTTP client; tests inject replay data here.
	transport Doer
}

// NewSolana validates the config; Connect establishes the session.
func NewSolana(cfg Config) (*Solana, error) {
	if err := requireFamily(cfg, models.FamilySolana); err != nil {
		return nil, err
	}
	return &Solana{cfg: cfg}, nil
}

// SetTransport replaces the HTTP transport. Must be called before Connect.
func (o *Solana) SetTransport(d Doer) { o.transport = d }

func (o *Solana) ChainID() string { return o.cfg.ChainID }

func (o *Solana) Connect(ctx context.Context) error {
	if o.conn.isConnected() {
		return nil
	}
	transport := o.transport
	if transport == nil {
		transport = &http.Client{Timeout: o.cfg.timeout()}
	}
	o.rpc = &rpcClient{endpoint: o.cfg.Endpoint, http: transport}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.timeout())
	defer cancel()
	var slot int64
	if err := o.rpc.call(ctx, "getSlot", nil, &slot); err != nil {
		return err
	}
	o.conn.markConnected()
	return nil
}

func (o *Solana) Disconnect() error {
	o.conn.markDisconnected()
	return nil
}

func (o *Solana) GetStatus(ctx context.Context) models.ChainStatus {
	status := models.ChainStatus{ChainID: o.cfg.ChainID}
	if !o.conn.isConnected() {
		return status
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.timeout())
	defer cancel()

	var latest int64
	if err := o.rpc.call(ctx, "getSlot", nil, &latest); err != nil {
		return status
	}
	status.Connected = true
	status.LatestBlock = latest
	var finalized int64
	if err := o.rpc.call(ctx, "getSlot", []interface{}{map[string]string{"commitment": "finalized"}}, &finalized); err == nil {
		status.FinalizedBlock = finalized
	}
	return status
}

type solanaBalanceResult struct {
	Context struct {
		Slot int64 `json:"slot"`
	} `json:"context"`
	Value int64 `json:"value"`
}

func (o *Solana) GetBalance(ctx context.Context, q BalanceQuery) (models.BalanceResult, error) {
	if err := o.conn.requireConnected(o.cfg.ChainID); err != nil {
		return models.BalanceResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.timeout())
	defer cancel()

	params := []interface{}{q.Address}
	if q.Finality != "" {
		params = append(params, map[string]string{"commitment": q.Finality})
	}
	var res solanaBalanceResult
	if err := o.rpc.call(ctx, "getBalance", params, &res); err != nil {
		return models.BalanceResult{}, err
	}
	return models.BalanceResult{
		ChainID:  o.cfg.ChainID,
		Balance:  money.FormatAmount(big.NewInt(res.Value), o.cfg.Decimals),
		Decimals: o.cfg.Decimals,
		Symbol:   o.cfg.Symbol,
		AtBlock:  res.Context.Slot,
	}, nil
}

type solanaTokenAccounts struct {
	Context struct {
		Slot int64 `json:"slot"`
	} `json:"context"`
	Value []struct {
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						TokenAmount struct {
							Amount   string `json:"amount"`
							Decimals int    `json:"decimals"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

// GetTokenBalance sums the owner's SPL token accounts for the given mint.
func (o *Solana) GetTokenBalance(ctx context.Context, q TokenBalanceQuery) (models.BalanceResult, error) {
	if err := o.conn.requireConnected(o.cfg.ChainID); err != nil {
		return models.BalanceResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.timeout())
	defer cancel()

	var res solanaTokenAccounts
	err := o.rpc.call(ctx, "getTokenAccountsByOwner", []interface{}{
		q.Address,
		map[string]string{"mint": q.Token},
		map[string]string{"encoding": "jsonParsed"},
	}, &res)
	if err != nil {
		return models.BalanceResult{}, err
	}

	total := new(big.Int)
	decimals := o.cfg.Decimals
	for _, acct := range res.Value {
		amt := acct.Account.Data.Parsed.Info.TokenAmount
		scaled, err := money.ParseAmount(amt.Amount, 0)
		if err != nil {
			return models.BalanceResult{}, errs.Wrap(errs.NetworkError, err, "token amount for %s", q.Token)
		}
		total.Add(total, scaled)
		decimals = amt.Decimals
	}
	return models.BalanceResult{
		ChainID:  o.cfg.ChainID,
		Balance:  money.FormatAmount(total, decimals),
		Decimals: decimals,
		Symbol:   o.cfg.Symbol,
		AtBlock:  res.Context.Slot,
	}, nil
}

type solanaSignature struct {
	Signature string `json:"signature"`
	Slot      int64  `json:"slot"`
	Err       any    `json:"err"`
	BlockTime *int64 `json:"blockTime"`
}

type solanaTransaction struct {
	Slot      int64  `json:"slot"`
	BlockTime *int64 `json:"blockTime"`

	Transaction struct {
		Message struct {
			Instructions []struct {
				Program string `json:"program"`
				Parsed  struct {
					Type string `json:"type"`
					Info struct {
						Source      string `json:"source"`
						Destination string `json:"destination"`
						Lamports    int64  `json:"lamports"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

// GetTransfers lists signatures for the address, then fetches each
// transaction and extracts system-program transfers. A null transaction in
// the batch is skipped; a failed fetch fails the whole call.
func (o *Solana) GetTransfers(ctx context.Context, q TransfersQuery) ([]models.TransferEvent, error) {
	if err := o.conn.requireConnected(o.cfg.ChainID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.timeout())
	defer cancel()

	sigParams := []interface{}{q.Address}
	if q.Limit > 0 {
		sigParams = append(sigParams, map[string]interface{}{"limit": q.Limit})
	}
	var sigs []solanaSignature
	if err := o.rpc.call(ctx, "getSignaturesForAddress", sigParams, &sigs); err != nil {
		return nil, err
	}

	events := make([]models.TransferEvent, 0, len(sigs))
	observedAt := nowRFC3339()
	for _, sig := range sigs {
		if sig.Err != nil {
			continue
		}
		if q.FromBlock > 0 && sig.Slot < q.FromBlock {
			continue
		}
		if q.ToBlock > 0 && sig.Slot > q.ToBlock {
			continue
		}

		var tx *solanaTransaction
		err := o.rpc.call(ctx, "getTransaction", []interface{}{
			sig.Signature,
			map[string]string{"encoding": "jsonParsed"},
		}, &tx)
		if err != nil {
			// Fail closed: partial batches are never returned.
			return nil, err
		}
		if tx == nil {
			continue // dropped transaction
		}

		for _, inst := range tx.Transaction.Message.Instructions {
			if inst.Program != "system" || inst.Parsed.Type != "transfer" {
				continue
			}
			ev := models.TransferEvent{
				ChainID:     o.cfg.ChainID,
				TxHash:      sig.Signature,
				BlockNumber: sig.Slot,
				From:        inst.Parsed.Info.Source,
				To:          inst.Parsed.Info.Destination,
				Amount:      money.FormatAmount(big.NewInt(inst.Parsed.Info.Lamports), o.cfg.Decimals),
				Decimals:    o.cfg.Decimals,
				Symbol:      o.cfg.Symbol,
				ObservedAt:  observedAt,
			}
			if tx.BlockTime != nil {
				ev.Timestamp = time.Unix(*tx.BlockTime, 0).UTC().Format(time.RFC3339)
			}
			if !matchesDirection(ev, q.Address, q.Direction) {
				continue
			}
			events = append(events, ev)
		}
	}
	sortTransfers(events)
	return applyLimit(events, q.Limit), nil
}

var _ Observer = (*Solana)(nil)
