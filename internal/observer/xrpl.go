package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
	"github.com/rawblock/attestia/pkg/money"
)

// XRPL observes an XRP Ledger node over its JSON-RPC API. XRPL wraps
// responses differently from standard JSON-RPC, so it carries its own
// envelope decoding.
type XRPL struct {
	cfg       Config
	conn      connState
	transport Doer
}

// NewXRPL validates the config; Connect establishes the session.
func NewXRPL(cfg Config) (*XRPL, error) {
	if err := requireFamily(cfg, models.FamilyXRPL); err != nil {
		return nil, err
	}
	return &XRPL{cfg: cfg}, nil
}

// SetTransport replaces the HTTP transport. Must be called before Connect.
func (o *XRPL) SetTransport(d Doer) { o.transport = d }

func (o *XRPL) ChainID() string { return o.cfg.ChainID }

type xrplRequest struct {
	Method string                   `json:"method"`
	Params []map[string]interface{} `json:"params"`
}

// call posts one XRPL command and decodes result into out. XRPL signals
// errors inside the result object rather than via HTTP status.
func (o *XRPL) call(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(xrplRequest{Method: method, Params: []map[string]interface{}{params}})
	if err != nil {
		return errs.Wrap(errs.InvalidInput, err, "encode %s request", method)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.InvalidInput, err, "build %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")

	transport := o.transport
	if transport == nil {
		transport = &http.Client{Timeout: o.cfg.timeout()}
	}
	resp, err := transport.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.Timeout, err, "%s timed out", method)
		}
		return errs.Wrap(errs.NetworkError, err, "%s failed", method)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return errs.Wrap(errs.NetworkError, err, "read %s response", method)
	}
	if resp.StatusCode != http.StatusOK {
		return errs.E(errs.NetworkError, "%s returned HTTP %d", method, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return errs.Wrap(errs.NetworkError, err, "decode %s response", method)
	}
	var status struct {
		Status       string `json:"status"`
		Error        string `json:"error"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(envelope.Result, &status); err != nil {
		return errs.Wrap(errs.NetworkError, err, "decode %s status", method)
	}
	if status.Status == "error" || status.Error != "" {
		return errs.E(errs.NetworkError, "%s: %s %s", method, status.Error, status.ErrorMessage)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return errs.Wrap(errs.NetworkError, err, "decode %s result", method)
		}
	}
	return nil
}

type xrplServerInfo struct {
	Info struct {
		ValidatedLedger struct {
			Seq int64 `json:"seq"`
		} `json:"validated_ledger"`
	} `json:"info"`
}

func (o *XRPL) Connect(ctx context.Context) error {
	if o.conn.isConnected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.timeout())
	defer cancel()
	var info xrplServerInfo
	if err := o.call(ctx, "server_info", nil, &info); err != nil {
		return err
	}
	o.conn.markConnected()
	return nil
}

func (o *XRPL) Disconnect() error {
	o.conn.markDisconnected()
	return nil
}

func (o *XRPL) GetStatus(ctx context.Context) models.ChainStatus {
	status := models.ChainStatus{ChainID: o.cfg.ChainID}
	if !o.conn.isConnected() {
		return status
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.timeout())
	defer cancel()

	var info xrplServerInfo
	if err := o.call(ctx, "server_info", nil, &info); err != nil {
		return status
	}
	status.Connected = true
	status.LatestBlock = info.Info.ValidatedLedger.Seq
	// Validated is final on XRPL.
	status.FinalizedBlock = info.Info.ValidatedLedger.Seq
	return status
}

type xrplAccountInfo struct {
	AccountData struct {
		Balance string `json:"Balance"` // drops
	} `json:"account_data"`
	LedgerIndex int64 `json:"ledger_index"`
}

func (o *XRPL) GetBalance(ctx context.Context, q BalanceQuery) (models.BalanceResult, error) {
	if err := o.conn.requireConnected(o.cfg.ChainID); err != nil {
		return models.BalanceResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.timeout())
	defer cancel()

	ledger := "validated"
	if q.Finality != "" {
		ledger = q.Finality
	}
	var info xrplAccountInfo
	err := o.call(ctx, "account_info", map[string]interface{}{
		"account":      q.Address,
		"ledger_index": ledger,
	}, &info)
	if err != nil {
		return models.BalanceResult{}, err
	}
	drops, err := money.ParseAmount(info.AccountData.Balance, 0)
	if err != nil {
		return models.BalanceResult{}, errs.Wrap(errs.NetworkError, err, "balance of %s", q.Address)
	}
	return models.BalanceResult{
		ChainID:  o.cfg.ChainID,
		Balance:  money.FormatAmount(drops, o.cfg.Decimals),
		Decimals: o.cfg.Decimals,
		Symbol:   o.cfg.Symbol,
		AtBlock:  info.LedgerIndex,
	}, nil
}

type xrplAccountLines struct {
	Lines []struct {
		Account  string `json:"account"`
		Balance  string `json:"balance"`
		Currency string `json:"currency"`
	} `json:"lines"`
	LedgerIndex int64 `json:"ledger_index"`
}

// GetTokenBalance reads the trust line for an issued currency; Token is the
// currency code.
func (o *XRPL) GetTokenBalance(ctx context.Context, q TokenBalanceQuery) (models.BalanceResult, error) {
	if err := o.conn.requireConnected(o.cfg.ChainID); err != nil {
		return models.BalanceResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.timeout())
	defer cancel()

	var lines xrplAccountLines
	err := o.call(ctx, "account_lines", map[string]interface{}{
		"account":      q.Address,
		"ledger_index": "validated",
	}, &lines)
	if err != nil {
		return models.BalanceResult{}, err
	}
	for _, line := range lines.Lines {
		if line.Currency == q.Token {
			return models.BalanceResult{
				ChainID:  o.cfg.ChainID,
				Balance:  line.Balance,
				Decimals: o.cfg.Decimals,
				Symbol:   line.Currency,
				AtBlock:  lines.LedgerIndex,
			}, nil
		}
	}
	return models.BalanceResult{}, errs.E(errs.NotFound, "no trust line for %s on %s", q.Token, q.Address)
}

type xrplAccountTx struct {
	Transactions []struct {
		Validated bool `json:"validated"`
		Tx        *struct {
			TransactionType string          `json:"TransactionType"`
			Hash            string          `json:"hash"`
			Account         string          `json:"Account"`
			Destination     string          `json:"Destination"`
			Amount          json.RawMessage `json:"Amount"`
			LedgerIndex     int64           `json:"ledger_index"`
			Date            int64           `json:"date"`
		} `json:"tx"`
	} `json:"transactions"`
}

// rippleEpoch converts XRPL seconds-since-2000 to Unix time.
const rippleEpochOffset = 946684800

// GetTransfers lists validated Payment transactions touching the address.
// Non-payment and unvalidated entries are skipped; issued-currency amounts
// (JSON objects) are skipped as non-native.
func (o *XRPL) GetTransfers(ctx context.Context, q TransfersQuery) ([]models.TransferEvent, error) {
	if err := o.conn.requireConnected(o.cfg.ChainID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.timeout())
	defer cancel()

	params := map[string]interface{}{"account": q.Address}
	if q.FromBlock > 0 {
		params["ledger_index_min"] = q.FromBlock
	}
	if q.ToBlock > 0 {
		params["ledger_index_max"] = q.ToBlock
	}
	if q.Limit > 0 {
		params["limit"] = q.Limit
	}
	var res xrplAccountTx
	if err := o.call(ctx, "account_tx", params, &res); err != nil {
		return nil, err
	}

	events := make([]models.TransferEvent, 0, len(res.Transactions))
	observedAt := nowRFC3339()
	for _, entry := range res.Transactions {
		tx := entry.Tx
		if tx == nil || !entry.Validated || tx.TransactionType != "Payment" {
			continue
		}
		var drops string
		if err := json.Unmarshal(tx.Amount, &drops); err != nil {
			continue // issued currency object, not a native payment
		}
		scaled, err := money.ParseAmount(drops, 0)
		if err != nil {
			continue
		}
		ev := models.TransferEvent{
			ChainID:     o.cfg.ChainID,
			TxHash:      tx.Hash,
			BlockNumber: tx.LedgerIndex,
			From:        tx.Account,
			To:          tx.Destination,
			Amount:      money.FormatAmount(scaled, o.cfg.Decimals),
			Decimals:    o.cfg.Decimals,
			Symbol:      o.cfg.Symbol,
			ObservedAt:  observedAt,
		}
		if tx.Date > 0 {
			ev.Timestamp = time.Unix(tx.Date+rippleEpochOffset, 0).UTC().Format(time.RFC3339)
		}
		if !matchesDirection(ev, q.Address, q.Direction) {
			continue
		}
		events = append(events, ev)
	}
	sortTransfers(events)
	return applyLimit(events, q.Limit), nil
}

var _ Observer = (*XRPL)(nil)
