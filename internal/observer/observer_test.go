package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

// fakeTransport replays canned JSON-RPC results keyed by method name.
type fakeTransport struct {
	results map[string][]json.RawMessage // consumed in order per method
	fail    map[string]bool
	calls   []string
}

func (f *fakeTransport) Do(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	var decoded struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, err
	}
	f.calls = append(f.calls, decoded.Method)
	if f.fail[decoded.Method] {
		return nil, fmt.Errorf("transport down")
	}
	queue := f.results[decoded.Method]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no canned result for %s", decoded.Method)
	}
	result := queue[0]
	f.results[decoded.Method] = queue[1:]
	payload, _ := json.Marshal(map[string]json.RawMessage{"result": result})
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(payload)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}, nil
}

func solanaConfig() Config {
	return Config{
		ChainID:  "solana:mainnet",
		Family:   models.FamilySolana,
		Endpoint: "http://localhost:8899",
		Symbol:   "SOL",
		Decimals: 9,
	}
}

func solanaTx(slot int64, sig, src, dst string, lamports int64) json.RawMessage {
	tx := map[string]interface{}{
		"slot":      slot,
		"blockTime": 1700000000,
		"transaction": map[string]interface{}{
			"message": map[string]interface{}{
				"instructions": []interface{}{
					map[string]interface{}{
						"program": "system",
						"parsed": map[string]interface{}{
							"type": "transfer",
							"info": map[string]interface{}{
								"source":      src,
								"destination": dst,
								"lamports":    lamports,
							},
						},
					},
					// Unrecognised instruction shapes are skipped silently.
					map[string]interface{}{"program": "vote", "parsed": map[string]interface{}{"type": "vote"}},
				},
			},
		},
	}
	raw, _ := json.Marshal(tx)
	return raw
}

func TestNew_FamilyDispatchAndMismatch(t *testing.T) {
	if _, err := New(solanaConfig()); err != nil {
		t.Errorf("solana config: %v", err)
	}
	bad := solanaConfig()
	bad.Family = models.FamilyXRPL
	if _, err := NewSolana(bad); !errs.Is(err, errs.InvalidInput) {
		t.Errorf("family mismatch must be rejected, got %v", err)
	}
	if _, err := New(Config{ChainID: "x", Family: "cosmos"}); !errs.Is(err, errs.InvalidInput) {
		t.Errorf("unknown family, got %v", err)
	}
	if _, err := NewEVM(Config{Family: models.FamilyEVM}); !errs.Is(err, errs.InvalidInput) {
		t.Errorf("empty chain id, got %v", err)
	}
}

func TestObserver_FailClosedBeforeConnect(t *testing.T) {
	o, err := NewSolana(solanaConfig())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := o.GetBalance(ctx, BalanceQuery{Address: "addr"}); !errs.Is(err, errs.NotConnected) {
		t.Errorf("balance before connect, got %v", err)
	}
	if _, err := o.GetTransfers(ctx, TransfersQuery{Address: "addr"}); !errs.Is(err, errs.NotConnected) {
		t.Errorf("transfers before connect, got %v", err)
	}
	status := o.GetStatus(ctx)
	if status.Connected {
		t.Error("status before connect must report disconnected")
	}
}

func TestObserver_FailClosedAfterDisconnect(t *testing.T) {
	ft := &fakeTransport{results: map[string][]json.RawMessage{
		"getSlot": {json.RawMessage(`100`)},
	}}
	o, _ := NewSolana(solanaConfig())
	o.SetTransport(ft)
	ctx := context.Background()
	if err := o.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := o.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if _, err := o.GetBalance(ctx, BalanceQuery{Address: "addr"}); !errs.Is(err, errs.NotConnected) {
		t.Errorf("balance after disconnect, got %v", err)
	}
}

func TestGetStatus_CatchesTransportErrors(t *testing.T) {
	ft := &fakeTransport{
		results: map[string][]json.RawMessage{"getSlot": {json.RawMessage(`100`)}},
		fail:    map[string]bool{},
	}
	o, _ := NewSolana(solanaConfig())
	o.SetTransport(ft)
	if err := o.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ft.fail["getSlot"] = true
	status := o.GetStatus(context.Background())
	if status.Connected {
		t.Error("status must fail soft to connected=false")
	}
}

func TestGetTransfers_SortedByBlockThenHash(t *testing.T) {
	// RPC replies out of order: slots 100, 50, 200. The observer must return
	// 50, 100, 200 regardless.
	sigs, _ := json.Marshal([]map[string]interface{}{
		{"signature": "sig-a", "slot": 100},
		{"signature": "sig-b", "slot": 50},
		{"signature": "sig-c", "slot": 200},
	})
	ft := &fakeTransport{results: map[string][]json.RawMessage{
		"getSlot": {json.RawMessage(`300`)},
		"getSignaturesForAddress": {sigs},
		"getTransaction": {
			solanaTx(100, "sig-a", "alice", "bob", 10),
			solanaTx(50, "sig-b", "carol", "bob", 20),
			solanaTx(200, "sig-c", "bob", "dave", 30),
		},
	}}
	o, _ := NewSolana(solanaConfig())
	o.SetTransport(ft)
	if err := o.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	events, err := o.GetTransfers(context.Background(), TransfersQuery{Address: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	wantBlocks := []int64{50, 100, 200}
	for i, ev := range events {
		if ev.BlockNumber != wantBlocks[i] {
			t.Errorf("event %d at block %d, want %d", i, ev.BlockNumber, wantBlocks[i])
		}
	}
}

func TestGetTransfers_DirectionFilter(t *testing.T) {
	sigs, _ := json.Marshal([]map[string]interface{}{
		{"signature": "sig-in", "slot": 10},
		{"signature": "sig-out", "slot": 20},
	})
	newObserver := func() (*Solana, *fakeTransport) {
		ft := &fakeTransport{results: map[string][]json.RawMessage{
			"getSlot":                 {json.RawMessage(`300`)},
			"getSignaturesForAddress": {sigs},
			"getTransaction": {
				solanaTx(10, "sig-in", "alice", "bob", 10),
				solanaTx(20, "sig-out", "bob", "carol", 20),
			},
		}}
		o, _ := NewSolana(solanaConfig())
		o.SetTransport(ft)
		if err := o.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		return o, ft
	}

	o, _ := newObserver()
	incoming, err := o.GetTransfers(context.Background(), TransfersQuery{Address: "bob", Direction: models.TransferIncoming})
	if err != nil {
		t.Fatal(err)
	}
	if len(incoming) != 1 || incoming[0].To != "bob" {
		t.Errorf("incoming filter: %+v", incoming)
	}

	o, _ = newObserver()
	outgoing, err := o.GetTransfers(context.Background(), TransfersQuery{Address: "bob", Direction: models.TransferOutgoing})
	if err != nil {
		t.Fatal(err)
	}
	if len(outgoing) != 1 || outgoing[0].From != "bob" {
		t.Errorf("outgoing filter: %+v", outgoing)
	}
}

func TestGetTransfers_PartialFailureFailsWhole(t *testing.T) {
	sigs, _ := json.Marshal([]map[string]interface{}{
		{"signature": "sig-a", "slot": 100},
		{"signature": "sig-b", "slot": 200},
	})
	ft := &fakeTransport{
		results: map[string][]json.RawMessage{
			"getSlot":                 {json.RawMessage(`300`)},
			"getSignaturesForAddress": {sigs},
			"getTransaction":          {solanaTx(100, "sig-a", "alice", "bob", 10)},
		},
	}
	o, _ := NewSolana(solanaConfig())
	o.SetTransport(ft)
	if err := o.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Second getTransaction has no canned reply and errors: the whole call
	// must fail, never return the first event alone.
	events, err := o.GetTransfers(context.Background(), TransfersQuery{Address: "bob"})
	if err == nil {
		t.Fatalf("partial batch returned: %+v", events)
	}
}

func TestGetTransfers_SkipsDroppedTransactions(t *testing.T) {
	sigs, _ := json.Marshal([]map[string]interface{}{
		{"signature": "sig-ok", "slot": 10},
		{"signature": "sig-dropped", "slot": 20},
	})
	ft := &fakeTransport{results: map[string][]json.RawMessage{
		"getSlot":                 {json.RawMessage(`300`)},
		"getSignaturesForAddress": {sigs},
		"getTransaction": {
			solanaTx(10, "sig-ok", "alice", "bob", 10),
			json.RawMessage(`null`),
		},
	}}
	o, _ := NewSolana(solanaConfig())
	o.SetTransport(ft)
	if err := o.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	events, err := o.GetTransfers(context.Background(), TransfersQuery{Address: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].TxHash != "sig-ok" {
		t.Errorf("dropped tx must be skipped silently: %+v", events)
	}
}

func xrplConfig() Config {
	return Config{
		ChainID:  "xrpl:mainnet",
		Family:   models.FamilyXRPL,
		Endpoint: "http://localhost:5005",
		Symbol:   "XRP",
		Decimals: 6,
	}
}

func TestXRPL_BalanceAndPayments(t *testing.T) {
	serverInfo := json.RawMessage(`{"status":"success","info":{"validated_ledger":{"seq":500}}}`)
	accountInfo := json.RawMessage(`{"status":"success","account_data":{"Balance":"25000000"},"ledger_index":500}`)
	accountTx := json.RawMessage(`{"status":"success","transactions":[
		{"validated":true,"tx":{"TransactionType":"Payment","hash":"B","Account":"rAlice","Destination":"rBob","Amount":"2000000","ledger_index":400,"date":770000000}},
		{"validated":true,"tx":{"TransactionType":"Payment","hash":"A","Account":"rBob","Destination":"rCarol","Amount":"1000000","ledger_index":400,"date":770000001}},
		{"validated":false,"tx":{"TransactionType":"Payment","hash":"C","Account":"rAlice","Destination":"rBob","Amount":"9","ledger_index":401}},
		{"validated":true,"tx":{"TransactionType":"Payment","hash":"D","Account":"rAlice","Destination":"rBob","Amount":{"currency":"USD","value":"5"},"ledger_index":402}},
		{"validated":true,"tx":{"TransactionType":"AccountSet","hash":"E","Account":"rBob","ledger_index":403}}
	]}`)
	ft := &fakeTransport{results: map[string][]json.RawMessage{
		"server_info":  {serverInfo, serverInfo},
		"account_info": {accountInfo},
		"account_tx":   {accountTx},
	}}
	o, _ := NewXRPL(xrplConfig())
	o.SetTransport(ft)
	if err := o.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	bal, err := o.GetBalance(context.Background(), BalanceQuery{Address: "rBob"})
	if err != nil {
		t.Fatal(err)
	}
	if bal.Balance != "25.000000" || bal.AtBlock != 500 {
		t.Errorf("balance: %+v", bal)
	}

	events, err := o.GetTransfers(context.Background(), TransfersQuery{Address: "rBob"})
	if err != nil {
		t.Fatal(err)
	}
	// Unvalidated, issued-currency, and non-payment entries are skipped;
	// equal ledger indexes order by hash.
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2: %+v", len(events), events)
	}
	if events[0].TxHash != "A" || events[1].TxHash != "B" {
		t.Errorf("tie-break by hash: %s, %s", events[0].TxHash, events[1].TxHash)
	}
	if events[1].Amount != "2.000000" {
		t.Errorf("drops conversion: %s", events[1].Amount)
	}
}

func TestXRPL_RPCErrorSurfaces(t *testing.T) {
	ft := &fakeTransport{results: map[string][]json.RawMessage{
		"server_info":  {json.RawMessage(`{"status":"success","info":{"validated_ledger":{"seq":500}}}`)},
		"account_info": {json.RawMessage(`{"status":"error","error":"actNotFound","error_message":"Account not found."}`)},
	}}
	o, _ := NewXRPL(xrplConfig())
	o.SetTransport(ft)
	if err := o.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := o.GetBalance(context.Background(), BalanceQuery{Address: "rGhost"}); !errs.Is(err, errs.NetworkError) {
		t.Errorf("rpc error must surface, got %v", err)
	}
}

func TestReplay_StructurallyIdentical(t *testing.T) {
	build := func() []models.TransferEvent {
		sigs, _ := json.Marshal([]map[string]interface{}{
			{"signature": "sig-a", "slot": 100},
			{"signature": "sig-b", "slot": 50},
		})
		ft := &fakeTransport{results: map[string][]json.RawMessage{
			"getSlot":                 {json.RawMessage(`300`)},
			"getSignaturesForAddress": {sigs},
			"getTransaction": {
				solanaTx(100, "sig-a", "alice", "bob", 10),
				solanaTx(50, "sig-b", "carol", "bob", 20),
			},
		}}
		o, _ := NewSolana(solanaConfig())
		o.SetTransport(ft)
		if err := o.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		events, err := o.GetTransfers(context.Background(), TransfersQuery{Address: "bob"})
		if err != nil {
			t.Fatal(err)
		}
		return events
	}

	a, b := build(), build()
	if len(a) != len(b) {
		t.Fatal("replays differ in length")
	}
	for i := range a {
		a[i].ObservedAt, b[i].ObservedAt = "", ""
		if a[i] != b[i] {
			t.Errorf("replay differs at %d:\n%+v\n%+v", i, a[i], b[i])
		}
	}
}
