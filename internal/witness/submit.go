package witness

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rawblock/attestia/internal/governance"
	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

// Transaction is the prepared 1-unit self-send carrying the witness memo.
type Transaction struct {
	Account     string `json:"account"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Fee         string `json:"fee,omitempty"`
	Sequence    int64  `json:"sequence,omitempty"`
	Memos       []Memo `json:"memos"`
}

// SubmitResult is the ledger's answer to a submitted blob.
type SubmitResult struct {
	TxHash      string
	LedgerIndex int64
}

// Ledger is the submission port to the witness chain. Implementations wrap a
// real node; tests wrap canned data.
type Ledger interface {
	// Autofill completes fee and sequence on a prepared transaction.
	Autofill(ctx context.Context, tx Transaction) (Transaction, error)
	// Submit broadcasts a signed blob.
	Submit(ctx context.Context, blob string) (SubmitResult, error)
	// AwaitValidation blocks until the transaction is validated.
	AwaitValidation(ctx context.Context, txHash string) (SubmitResult, error)
}

// WalletSigner signs a whole transaction with one key.
type WalletSigner interface {
	Address() string
	Sign(tx Transaction) (blob string, err error)
}

// MultiSigner contributes one signature share to a multisigned transaction.
type MultiSigner interface {
	Address() string
	SignFor(tx Transaction) (models.SignatureEntry, error)
}

// Combiner folds signature shares into one submittable blob.
type Combiner interface {
	Combine(tx Transaction, sigs []models.SignatureEntry) (blob string, err error)
}

// RetryPolicy bounds submission retries. Only transient failures retry;
// validation rejections never do.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64 // fraction of the backoff, 0..1
}

// DefaultRetryPolicy retries transient submit failures a few times with
// exponential backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    4,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     8 * time.Second,
	Jitter:         0.2,
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			d = p.MaxBackoff
			break
		}
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
	}
	return d
}

// isRetryable classifies transient failures: load shed, timeouts, transport
// errors. Validation errors are permanent.
func isRetryable(err error) bool {
	switch errs.CodeOf(err) {
	case errs.Timeout, errs.NetworkError, errs.RateLimited:
		return true
	}
	return false
}

// SubmitError wraps retry exhaustion with the payload that failed to anchor.
type SubmitError struct {
	Attempts int
	Cause    error
	Payload  models.WitnessPayload
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("witness submit failed after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *SubmitError) Unwrap() error { return e.Cause }

// Submitter anchors witness payloads on one chain.
type Submitter struct {
	chainID string
	ledger  Ledger
	retry   RetryPolicy
	now     func() time.Time
	sleep   func(time.Duration)
}

// NewSubmitter builds a submitter over a ledger port.
func NewSubmitter(chainID string, ledger Ledger, retry RetryPolicy) *Submitter {
	if retry.MaxAttempts < 1 {
		retry = DefaultRetryPolicy
	}
	return &Submitter{chainID: chainID, ledger: ledger, retry: retry, now: time.Now, sleep: time.Sleep}
}

// prepare builds the memo-carrying self-send for the witness account.
func (s *Submitter) prepare(ctx context.Context, account string, payload models.WitnessPayload) (Transaction, error) {
	memo, err := EncodeMemo(payload)
	if err != nil {
		return Transaction{}, err
	}
	tx := Transaction{
		Account:     account,
		Destination: account,
		Amount:      "1",
		Memos:       []Memo{memo},
	}
	return s.ledger.Autofill(ctx, tx)
}

// Submit runs the single-signer flow: autofill, sign, submit with retry,
// await validation.
func (s *Submitter) Submit(ctx context.Context, signer WalletSigner, payload models.WitnessPayload) (models.WitnessRecord, error) {
	tx, err := s.prepare(ctx, signer.Address(), payload)
	if err != nil {
		return models.WitnessRecord{}, err
	}
	blob, err := signer.Sign(tx)
	if err != nil {
		return models.WitnessRecord{}, errs.Wrap(errs.InvalidInput, err, "sign witness transaction")
	}
	return s.broadcast(ctx, blob, signer.Address(), payload)
}

// SubmitMultiSig runs the multi-signer flow. Quorum is checked against the
// policy before anything touches the network: a sub-quorum blob is never
// submitted.
func (s *Submitter) SubmitMultiSig(ctx context.Context, account string, signers []MultiSigner, combiner Combiner, policy models.GovernancePolicy, payload models.WitnessPayload) (models.WitnessRecord, error) {
	tx, err := s.prepare(ctx, account, payload)
	if err != nil {
		return models.WitnessRecord{}, err
	}

	sigs := make([]models.SignatureEntry, 0, len(signers))
	for _, signer := range signers {
		entry, err := signer.SignFor(tx)
		if err != nil {
			return models.WitnessRecord{}, errs.Wrap(errs.InvalidInput, err, "signature share from %s", signer.Address())
		}
		sigs = append(sigs, entry)
	}

	agg, err := governance.AggregateSignatures(sigs, policy, payload.Hash, governance.AggregateOptions{})
	if err != nil {
		return models.WitnessRecord{}, err
	}

	blob, err := combiner.Combine(tx, agg.Signatures)
	if err != nil {
		return models.WitnessRecord{}, errs.Wrap(errs.InvalidInput, err, "combine signature shares")
	}
	return s.broadcast(ctx, blob, account, payload)
}

// broadcast submits with retry on transient failures and waits for the
// transaction to validate.
func (s *Submitter) broadcast(ctx context.Context, blob, account string, payload models.WitnessPayload) (models.WitnessRecord, error) {
	var lastErr error
	var res SubmitResult
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		var err error
		res, err = s.ledger.Submit(ctx, blob)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if !isRetryable(err) {
			return models.WitnessRecord{}, &SubmitError{Attempts: attempt, Cause: err, Payload: payload}
		}
		if attempt < s.retry.MaxAttempts {
			s.sleep(s.retry.backoff(attempt))
		}
	}
	if lastErr != nil {
		return models.WitnessRecord{}, &SubmitError{Attempts: s.retry.MaxAttempts, Cause: lastErr, Payload: payload}
	}

	validated, err := s.ledger.AwaitValidation(ctx, res.TxHash)
	if err != nil {
		return models.WitnessRecord{}, errs.Wrap(errs.CodeOf(err), err, "await validation of %s", res.TxHash)
	}
	return models.WitnessRecord{
		ID:             uuid.NewString(),
		Payload:        payload,
		ChainID:        s.chainID,
		TxHash:         res.TxHash,
		LedgerIndex:    validated.LedgerIndex,
		WitnessedAt:    s.now().UTC().Format(time.RFC3339Nano),
		WitnessAccount: account,
	}, nil
}
