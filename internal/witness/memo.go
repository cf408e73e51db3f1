// Package witness anchors attestation payloads on an external ledger: the
// canonical payload rides as a hex-encoded memo on a 1-unit self-send.
// Anyone holding the transaction can decode the memo and re-verify the
// payload hash offline.
package witness

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/rawblock/attestia/internal/canonical"
	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

// MemoTypeValue marks a memo as an Attestia witness; foreign memos are
// rejected on decode.
const MemoTypeValue = "attestia/witness/v1"

// MemoFormatValue declares the memo data encoding.
const MemoFormatValue = "application/json"

// Memo is the three hex-encoded fields of an on-ledger memo.
type Memo struct {
	MemoType   string `json:"MemoType"`
	MemoFormat string `json:"MemoFormat"`
	MemoData   string `json:"MemoData"`
}

// BuildPayload assembles a witness payload over arbitrary content; Hash is
// the canonical digest of Content alone.
func BuildPayload(content map[string]interface{}, policyID, merkleRoot string) (models.WitnessPayload, error) {
	if len(content) == 0 {
		return models.WitnessPayload{}, errs.E(errs.InvalidInput, "witness content must not be empty")
	}
	hash, err := canonical.Hash(content)
	if err != nil {
		return models.WitnessPayload{}, err
	}
	return models.WitnessPayload{
		Hash:        hash,
		Content:     content,
		PolicyID:    policyID,
		MerkleRoot:  merkleRoot,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// EncodeMemo hex-encodes the payload into the three memo fields.
func EncodeMemo(payload models.WitnessPayload) (Memo, error) {
	data, err := canonical.Marshal(payload)
	if err != nil {
		return Memo{}, err
	}
	return Memo{
		MemoType:   hex.EncodeToString([]byte(MemoTypeValue)),
		MemoFormat: hex.EncodeToString([]byte(MemoFormatValue)),
		MemoData:   hex.EncodeToString(data),
	}, nil
}

// IsWitnessMemo reports whether the memo's type field carries the Attestia
// witness marker. It says nothing about whether the data field decodes.
func IsWitnessMemo(m Memo) bool {
	memoType, err := hex.DecodeString(m.MemoType)
	return err == nil && string(memoType) == MemoTypeValue
}

// DecodeMemo rejects memos whose type is not the Attestia witness marker and
// decodes the payload from the data field.
func DecodeMemo(m Memo) (models.WitnessPayload, error) {
	memoType, err := hex.DecodeString(m.MemoType)
	if err != nil {
		return models.WitnessPayload{}, errs.Wrap(errs.InvalidInput, err, "decode memo type")
	}
	if string(memoType) != MemoTypeValue {
		return models.WitnessPayload{}, errs.E(errs.InvalidInput, "memo type %q is not an attestation witness", string(memoType))
	}
	data, err := hex.DecodeString(m.MemoData)
	if err != nil {
		return models.WitnessPayload{}, errs.Wrap(errs.InvalidInput, err, "decode memo data")
	}

	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var payload models.WitnessPayload
	if err := dec.Decode(&payload); err != nil {
		return models.WitnessPayload{}, errs.Wrap(errs.InvalidInput, err, "decode witness payload")
	}
	if payload.Hash == "" {
		return models.WitnessPayload{}, errs.E(errs.InvalidInput, "witness payload carries no hash")
	}
	// Re-marshalling bounds nesting depth the same way encoding did.
	if _, err := canonical.Marshal(payload.Content); err != nil {
		return models.WitnessPayload{}, err
	}
	return payload, nil
}

// VerifyPayloadHash recomputes the content digest against the declared hash.
func VerifyPayloadHash(payload models.WitnessPayload) error {
	hash, err := canonical.Hash(payload.Content)
	if err != nil {
		return err
	}
	if hash != payload.Hash {
		return errs.E(errs.IntegrityViolation, "payload content hashes to %s, declared %s", hash, payload.Hash)
	}
	return nil
}
