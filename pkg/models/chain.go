package models

// ChainFamily groups chains that share one observer back-end.
type ChainFamily string

const (
	FamilyEVM     ChainFamily = "evm"
	FamilySolana  ChainFamily = "solana"
	FamilyXRPL    ChainFamily = "xrpl"
	FamilyBitcoin ChainFamily = "bitcoin"
)

// ChainStatus is the observer health view. Connected=false with zero blocks
// is the fail-safe answer when the transport errors.
type ChainStatus struct {
	ChainID        string `json:"chainId"`
	Connected      bool   `json:"connected"`
	LatestBlock    int64  `json:"latestBlock,omitempty"`
	FinalizedBlock int64  `json:"finalizedBlock,omitempty"`
	SafeBlock      int64  `json:"safeBlock,omitempty"`
}

// BalanceResult reports an address balance at a block.
type BalanceResult struct {
	ChainID  string `json:"chainId"`
	Balance  string `json:"balance"` // decimal string, scaled per Decimals
	Decimals int    `json:"decimals"`
	Symbol   string `json:"symbol"`
	AtBlock  int64  `json:"atBlock"`
}

// TransferDirection filters observed transfers.
type TransferDirection string

const (
	TransferIncoming TransferDirection = "incoming"
	TransferOutgoing TransferDirection = "outgoing"
)

// TransferEvent is the uniform observation shape across all chain families.
// Replays of identical RPC data produce identical events modulo ObservedAt.
type TransferEvent struct {
	ChainID     string `json:"chainId"`
	TxHash      string `json:"txHash"`
	BlockNumber int64  `json:"blockNumber"`
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
	Decimals    int    `json:"decimals"`
	Symbol      string `json:"symbol"`
	Token       string `json:"token,omitempty"`
	Timestamp   string `json:"timestamp"`
	ObservedAt  string `json:"observedAt"`
}
