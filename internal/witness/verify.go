package witness

import (
	"context"
	"fmt"

	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

// TxFetcher retrieves a validated transaction by hash.
type TxFetcher interface {
	Tx(ctx context.Context, txHash string) (Transaction, SubmitResult, error)
}

// VerificationResult reports an anchored payload check. Mismatches are
// findings, not errors: only transport failures error.
type VerificationResult struct {
	Verified      bool     `json:"verified"`
	Discrepancies []string `json:"discrepancies,omitempty"`
}

// Verify fetches the witness transaction and checks it against the held
// record: the memo must be present and decodable, the content must hash to
// the declared payload hash, and the decoded payload must match the record.
func Verify(ctx context.Context, fetcher TxFetcher, record models.WitnessRecord) (VerificationResult, error) {
	tx, res, err := fetcher.Tx(ctx, record.TxHash)
	if err != nil {
		return VerificationResult{}, errs.Wrap(errs.NetworkError, err, "fetch witness tx %s", record.TxHash)
	}

	var discrepancies []string

	payload, found, err := extractPayload(tx)
	if err != nil {
		discrepancies = append(discrepancies, fmt.Sprintf("memo does not decode: %v", err))
	} else if !found {
		discrepancies = append(discrepancies, "transaction carries no attestation witness memo")
	} else {
		if err := VerifyPayloadHash(payload); err != nil {
			discrepancies = append(discrepancies, fmt.Sprintf("payload hash mismatch: %v", err))
		}
		if payload.Hash != record.Payload.Hash {
			discrepancies = append(discrepancies,
				fmt.Sprintf("anchored hash %s differs from record %s", payload.Hash, record.Payload.Hash))
		}
		if payload.PolicyID != record.Payload.PolicyID {
			discrepancies = append(discrepancies, "anchored policy id differs from record")
		}
		if payload.MerkleRoot != record.Payload.MerkleRoot {
			discrepancies = append(discrepancies, "anchored merkle root differs from record")
		}
	}

	if tx.Account != record.WitnessAccount {
		discrepancies = append(discrepancies,
			fmt.Sprintf("witness account %s differs from record %s", tx.Account, record.WitnessAccount))
	}
	if res.LedgerIndex != 0 && record.LedgerIndex != 0 && res.LedgerIndex != record.LedgerIndex {
		discrepancies = append(discrepancies, "ledger index differs from record")
	}

	return VerificationResult{Verified: len(discrepancies) == 0, Discrepancies: discrepancies}, nil
}

// extractPayload finds the first Attestia witness memo on a transaction.
// Foreign memo types are skipped; a witness-typed memo that fails to decode
// is an error, not an absence.
func extractPayload(tx Transaction) (models.WitnessPayload, bool, error) {
	for _, memo := range tx.Memos {
		if !IsWitnessMemo(memo) {
			continue
		}
		payload, err := DecodeMemo(memo)
		if err != nil {
			return models.WitnessPayload{}, false, err
		}
		return payload, true, nil
	}
	return models.WitnessPayload{}, false, nil
}
