package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rawblock/attestia/pkg/errs"
)

// Doer abstracts the HTTP transport so tests can replay captured RPC data.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// rpcClient speaks JSON-RPC 2.0 over HTTP POST.
type rpcClient struct {
	endpoint string
	http     Doer
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call posts one request and decodes the result into out.
func (c *rpcClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return errs.Wrap(errs.InvalidInput, err, "encode %s request", method)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.InvalidInput, err, "build %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
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

	var decoded rpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return errs.Wrap(errs.NetworkError, err, "decode %s response", method)
	}
	if decoded.Error != nil {
		return errs.E(errs.NetworkError, "%s: rpc error %d: %s", method, decoded.Error.Code, decoded.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return errs.Wrap(errs.NetworkError, err, "decode %s result", method)
		}
	}
	return nil
}
