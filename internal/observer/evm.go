package observer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
	"github.com/rawblock/attestia/pkg/money"
)

// erc20TransferTopic is keccak256("Transfer(address,address,uint256)").
var erc20TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// erc20BalanceOfSelector is the first four bytes of keccak256("balanceOf(address)").
var erc20BalanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// EVM observes an Ethereum-compatible chain over a JSON-RPC endpoint.
type EVM struct {
	cfg    Config
	conn   connState
	client *ethclient.Client
}

// NewEVM validates the config; the connection is established by Connect.
func NewEVM(cfg Config) (*EVM, error) {
	if err := requireFamily(cfg, models.FamilyEVM); err != nil {
		return nil, err
	}
	return &EVM{cfg: cfg}, nil
}

func (o *EVM) ChainID() string { return o.cfg.ChainID }

// Connect dials the endpoint; calling it on a live observer is a no-op.
func (o *EVM) Connect(ctx context.Context) error {
	if o.conn.isConnected() {
		return nil
	}
	client, err := ethclient.DialContext(ctx, o.cfg.Endpoint)
	if err != nil {
		return errs.Wrap(errs.NetworkError, err, "dial %s", o.cfg.ChainID)
	}
	o.client = client
	o.conn.markConnected()
	return nil
}

func (o *EVM) Disconnect() error {
	if !o.conn.isConnected() {
		return nil
	}
	o.conn.markDisconnected()
	o.client.Close()
	o.client = nil
	return nil
}

// GetStatus reports chain head heights; any underlying error yields
// connected=false rather than an error.
func (o *EVM) GetStatus(ctx context.Context) models.ChainStatus {
	status := models.ChainStatus{ChainID: o.cfg.ChainID}
	if !o.conn.isConnected() {
		return status
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.timeout())
	defer cancel()

	latest, err := o.client.BlockNumber(ctx)
	if err != nil {
		return status
	}
	status.Connected = true
	status.LatestBlock = int64(latest)
	if h, err := o.client.HeaderByNumber(ctx, big.NewInt(rpc.FinalizedBlockNumber.Int64())); err == nil {
		status.FinalizedBlock = h.Number.Int64()
	}
	if h, err := o.client.HeaderByNumber(ctx, big.NewInt(rpc.SafeBlockNumber.Int64())); err == nil {
		status.SafeBlock = h.Number.Int64()
	}
	return status
}

func (o *EVM) GetBalance(ctx context.Context, q BalanceQuery) (models.BalanceResult, error) {
	if err := o.conn.requireConnected(o.cfg.ChainID); err != nil {
		return models.BalanceResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.timeout())
	defer cancel()

	var blockTag *big.Int
	if q.Finality == "finalized" {
		blockTag = big.NewInt(rpc.FinalizedBlockNumber.Int64())
	}
	bal, err := o.client.BalanceAt(ctx, common.HexToAddress(q.Address), blockTag)
	if err != nil {
		return models.BalanceResult{}, errs.Wrap(errs.NetworkError, err, "balance of %s on %s", q.Address, o.cfg.ChainID)
	}
	head, err := o.client.BlockNumber(ctx)
	if err != nil {
		return models.BalanceResult{}, errs.Wrap(errs.NetworkError, err, "head of %s", o.cfg.ChainID)
	}
	return models.BalanceResult{
		ChainID:  o.cfg.ChainID,
		Balance:  money.FormatAmount(bal, o.cfg.Decimals),
		Decimals: o.cfg.Decimals,
		Symbol:   o.cfg.Symbol,
		AtBlock:  int64(head),
	}, nil
}

// GetTokenBalance calls balanceOf(address) on the token contract.
func (o *EVM) GetTokenBalance(ctx context.Context, q TokenBalanceQuery) (models.BalanceResult, error) {
	if err := o.conn.requireConnected(o.cfg.ChainID); err != nil {
		return models.BalanceResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.timeout())
	defer cancel()

	token := common.HexToAddress(q.Token)
	data := append(append([]byte{}, erc20BalanceOfSelector...), common.LeftPadBytes(common.HexToAddress(q.Address).Bytes(), 32)...)
	out, err := o.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return models.BalanceResult{}, errs.Wrap(errs.NetworkError, err, "balanceOf %s on %s", q.Token, o.cfg.ChainID)
	}
	if len(out) == 0 {
		return models.BalanceResult{}, errs.E(errs.NetworkError, "token %s returned no data", q.Token)
	}
	head, err := o.client.BlockNumber(ctx)
	if err != nil {
		return models.BalanceResult{}, errs.Wrap(errs.NetworkError, err, "head of %s", o.cfg.ChainID)
	}
	return models.BalanceResult{
		ChainID:  o.cfg.ChainID,
		Balance:  money.FormatAmount(new(big.Int).SetBytes(out), o.cfg.Decimals),
		Decimals: o.cfg.Decimals,
		Symbol:   o.cfg.Symbol,
		AtBlock:  int64(head),
	}, nil
}

// GetTransfers scans ERC-20 Transfer logs touching the address. Logs that do
// not decode as a recognised transfer are skipped; a failed fetch fails the
// whole call.
func (o *EVM) GetTransfers(ctx context.Context, q TransfersQuery) ([]models.TransferEvent, error) {
	if err := o.conn.requireConnected(o.cfg.ChainID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.timeout())
	defer cancel()

	addrTopic := common.HexToHash(common.HexToAddress(q.Address).Hex())
	filter := ethereum.FilterQuery{}
	if q.FromBlock > 0 {
		filter.FromBlock = big.NewInt(q.FromBlock)
	}
	if q.ToBlock > 0 {
		filter.ToBlock = big.NewInt(q.ToBlock)
	}
	if q.Token != "" {
		filter.Addresses = []common.Address{common.HexToAddress(q.Token)}
	}

	var logs []types.Log
	switch q.Direction {
	case models.TransferIncoming:
		filter.Topics = [][]common.Hash{{erc20TransferTopic}, nil, {addrTopic}}
		got, err := o.client.FilterLogs(ctx, filter)
		if err != nil {
			return nil, errs.Wrap(errs.NetworkError, err, "filter transfers on %s", o.cfg.ChainID)
		}
		logs = got
	case models.TransferOutgoing:
		filter.Topics = [][]common.Hash{{erc20TransferTopic}, {addrTopic}}
		got, err := o.client.FilterLogs(ctx, filter)
		if err != nil {
			return nil, errs.Wrap(errs.NetworkError, err, "filter transfers on %s", o.cfg.ChainID)
		}
		logs = got
	default:
		// Both directions need two topic filters; either failing fails all.
		filter.Topics = [][]common.Hash{{erc20TransferTopic}, {addrTopic}}
		out, err := o.client.FilterLogs(ctx, filter)
		if err != nil {
			return nil, errs.Wrap(errs.NetworkError, err, "filter transfers on %s", o.cfg.ChainID)
		}
		filter.Topics = [][]common.Hash{{erc20TransferTopic}, nil, {addrTopic}}
		in, err := o.client.FilterLogs(ctx, filter)
		if err != nil {
			return nil, errs.Wrap(errs.NetworkError, err, "filter transfers on %s", o.cfg.ChainID)
		}
		logs = append(out, in...)
	}

	events := make([]models.TransferEvent, 0, len(logs))
	seen := make(map[string]struct{}, len(logs))
	observedAt := nowRFC3339()
	for _, lg := range logs {
		if len(lg.Topics) < 3 || lg.Topics[0] != erc20TransferTopic {
			continue
		}
		key := fmt.Sprintf("%s:%d", lg.TxHash.Hex(), lg.Index)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		events = append(events, models.TransferEvent{
			ChainID:     o.cfg.ChainID,
			TxHash:      lg.TxHash.Hex(),
			BlockNumber: int64(lg.BlockNumber),
			From:        common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
			To:          common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
			Amount:      money.FormatAmount(new(big.Int).SetBytes(lg.Data), o.cfg.Decimals),
			Decimals:    o.cfg.Decimals,
			Symbol:      o.cfg.Symbol,
			Token:       lg.Address.Hex(),
			ObservedAt:  observedAt,
		})
	}
	sortTransfers(events)
	return applyLimit(events, q.Limit), nil
}

var _ Observer = (*EVM)(nil)
