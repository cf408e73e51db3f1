package observer

import (
	"context"
	"encoding/json"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
	"github.com/rawblock/attestia/pkg/money"
)

// Bitcoin observes a Bitcoin Core node over its RPC interface. Balances come
// from scantxoutset over an address descriptor; amounts are reported in
// satoshi under the configured decimals.
type Bitcoin struct {
	cfg  Config
	conn connState
	rpc  *rpcclient.Client
}

// NewBitcoin validates the config; the endpoint carries credentials as
// user:pass@host.
func NewBitcoin(cfg Config) (*Bitcoin, error) {
	if err := requireFamily(cfg, models.FamilyBitcoin); err != nil {
		return nil, err
	}
	return &Bitcoin{cfg: cfg}, nil
}

func (o *Bitcoin) ChainID() string { return o.cfg.ChainID }

func (o *Bitcoin) Connect(ctx context.Context) error {
	if o.conn.isConnected() {
		return nil
	}
	host, user, pass, err := splitEndpoint(o.cfg.Endpoint)
	if err != nil {
		return err
	}
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return errs.Wrap(errs.NetworkError, err, "dial %s", o.cfg.ChainID)
	}
	if _, err := client.GetBlockCount(); err != nil {
		client.Shutdown()
		return errs.Wrap(errs.NetworkError, err, "probe %s", o.cfg.ChainID)
	}
	o.rpc = client
	o.conn.markConnected()
	return nil
}

func splitEndpoint(endpoint string) (host, user, pass string, err error) {
	u, parseErr := url.Parse(endpoint)
	if parseErr != nil || u.Host == "" {
		return "", "", "", errs.E(errs.InvalidInput, "bitcoin endpoint must be a URL with user:pass@host")
	}
	pass, _ = u.User.Password()
	return u.Host, u.User.Username(), pass, nil
}

func (o *Bitcoin) Disconnect() error {
	if !o.conn.isConnected() {
		return nil
	}
	o.conn.markDisconnected()
	o.rpc.Shutdown()
	o.rpc = nil
	return nil
}

func (o *Bitcoin) GetStatus(ctx context.Context) models.ChainStatus {
	status := models.ChainStatus{ChainID: o.cfg.ChainID}
	if !o.conn.isConnected() {
		return status
	}
	count, err := o.rpc.GetBlockCount()
	if err != nil {
		return status
	}
	status.Connected = true
	status.LatestBlock = count
	// Six confirmations is the conventional finality depth.
	if count > 6 {
		status.FinalizedBlock = count - 6
	}
	return status
}

type scanTxOutsetResult struct {
	Success     bool    `json:"success"`
	Height      int64   `json:"height"`
	TotalAmount float64 `json:"total_amount"`
}

func (o *Bitcoin) GetBalance(ctx context.Context, q BalanceQuery) (models.BalanceResult, error) {
	if err := o.conn.requireConnected(o.cfg.ChainID); err != nil {
		return models.BalanceResult{}, err
	}
	descriptor, err := json.Marshal([]string{"addr(" + q.Address + ")"})
	if err != nil {
		return models.BalanceResult{}, errs.Wrap(errs.InvalidInput, err, "encode descriptor")
	}
	raw, err := o.rpc.RawRequest("scantxoutset", []json.RawMessage{
		json.RawMessage(`"start"`),
		descriptor,
	})
	if err != nil {
		return models.BalanceResult{}, errs.Wrap(errs.NetworkError, err, "scantxoutset on %s", o.cfg.ChainID)
	}
	var res scanTxOutsetResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return models.BalanceResult{}, errs.Wrap(errs.NetworkError, err, "decode scantxoutset")
	}
	if !res.Success {
		return models.BalanceResult{}, errs.E(errs.NetworkError, "scantxoutset did not complete on %s", o.cfg.ChainID)
	}
	// total_amount is BTC; shift to satoshi before formatting.
	total, err := btcutil.NewAmount(res.TotalAmount)
	if err != nil {
		return models.BalanceResult{}, errs.Wrap(errs.NetworkError, err, "scantxoutset amount")
	}
	sats := big.NewInt(int64(total))
	return models.BalanceResult{
		ChainID:  o.cfg.ChainID,
		Balance:  money.FormatAmount(sats, o.cfg.Decimals),
		Decimals: o.cfg.Decimals,
		Symbol:   o.cfg.Symbol,
		AtBlock:  res.Height,
	}, nil
}

// GetTokenBalance is not applicable: Bitcoin has no token layer observed
// here.
func (o *Bitcoin) GetTokenBalance(ctx context.Context, q TokenBalanceQuery) (models.BalanceResult, error) {
	if err := o.conn.requireConnected(o.cfg.ChainID); err != nil {
		return models.BalanceResult{}, err
	}
	return models.BalanceResult{}, errs.E(errs.InvalidInput, "chain %s has no token balances", o.cfg.ChainID)
}

type listTransactionsEntry struct {
	Address       string  `json:"address"`
	Category      string  `json:"category"`
	Amount        float64 `json:"amount"`
	BlockHeight   int64   `json:"blockheight"`
	TxID          string  `json:"txid"`
	Time          int64   `json:"time"`
	Confirmations int64   `json:"confirmations"`
}

// GetTransfers reads the watch-only wallet's transaction list and keeps
// confirmed send/receive entries for the address.
func (o *Bitcoin) GetTransfers(ctx context.Context, q TransfersQuery) ([]models.TransferEvent, error) {
	if err := o.conn.requireConnected(o.cfg.ChainID); err != nil {
		return nil, err
	}
	count := 100
	if q.Limit > 0 {
		count = q.Limit
	}
	countJSON, _ := json.Marshal(count)
	raw, err := o.rpc.RawRequest("listtransactions", []json.RawMessage{
		json.RawMessage(`"*"`),
		countJSON,
	})
	if err != nil {
		return nil, errs.Wrap(errs.NetworkError, err, "listtransactions on %s", o.cfg.ChainID)
	}
	var entries []listTransactionsEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errs.Wrap(errs.NetworkError, err, "decode listtransactions")
	}

	events := make([]models.TransferEvent, 0, len(entries))
	observedAt := nowRFC3339()
	for _, e := range entries {
		if e.Confirmations < 1 {
			continue
		}
		if _, err := chainhash.NewHashFromStr(e.TxID); err != nil {
			continue
		}
		if q.Address != "" && !strings.EqualFold(e.Address, q.Address) {
			continue
		}
		if q.FromBlock > 0 && e.BlockHeight < q.FromBlock {
			continue
		}
		if q.ToBlock > 0 && e.BlockHeight > q.ToBlock {
			continue
		}

		ev := models.TransferEvent{
			ChainID:     o.cfg.ChainID,
			TxHash:      e.TxID,
			BlockNumber: e.BlockHeight,
			Decimals:    o.cfg.Decimals,
			Symbol:      o.cfg.Symbol,
			Timestamp:   time.Unix(e.Time, 0).UTC().Format(time.RFC3339),
			ObservedAt:  observedAt,
		}
		amount := e.Amount
		switch e.Category {
		case "receive":
			ev.To = e.Address
		case "send":
			ev.From = e.Address
			amount = -amount
		default:
			continue
		}
		value, err := btcutil.NewAmount(amount)
		if err != nil {
			continue
		}
		ev.Amount = money.FormatAmount(big.NewInt(int64(value)), o.cfg.Decimals)
		if !matchesDirection(ev, q.Address, q.Direction) {
			continue
		}
		events = append(events, ev)
	}
	sortTransfers(events)
	return applyLimit(events, q.Limit), nil
}

var _ Observer = (*Bitcoin)(nil)
