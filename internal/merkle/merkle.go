// Package merkle builds binary SHA-256 trees over attestation hashes and
// produces portable inclusion proofs. An odd node at any level is promoted by
// duplication, so every level pairs cleanly.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rawblock/attestia/internal/canonical"
	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

// Direction says which side a proof sibling sits on.
type Direction string

const (
	Left  Direction = "left"
	Right Direction = "right"
)

// ProofStep is one sibling on the path from leaf to root.
type ProofStep struct {
	Hash      string    `json:"hash"`
	Direction Direction `json:"direction"`
}

// InclusionProof proves one leaf belongs to a tree with a given root.
type InclusionProof struct {
	LeafHash  string      `json:"leafHash"`
	LeafIndex int         `json:"leafIndex"`
	Siblings  []ProofStep `json:"siblings"`
	Root      string      `json:"root"`
}

// Tree is an immutable Merkle tree; levels[0] is the leaf level.
type Tree struct {
	levels [][]string
}

// Build constructs the tree over leaves in insertion order. An empty leaf set
// yields an empty tree with no root.
func Build(leaves []string) *Tree {
	if len(leaves) == 0 {
		return &Tree{}
	}
	levels := [][]string{append([]string(nil), leaves...)}
	for len(levels[len(levels)-1]) > 1 {
		cur := levels[len(levels)-1]
		next := make([]string, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			left := cur[i]
			right := left // odd node pairs with itself
			if i+1 < len(cur) {
				right = cur[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		levels = append(levels, next)
	}
	return &Tree{levels: levels}
}

func hashPair(left, right string) string {
	h := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(h[:])
}

// Root returns the root hash, empty string for an empty tree.
func (t *Tree) Root() string {
	if len(t.levels) == 0 {
		return ""
	}
	return t.levels[len(t.levels)-1][0]
}

// LeafCount reports the number of leaves.
func (t *Tree) LeafCount() int {
	if len(t.levels) == 0 {
		return 0
	}
	return len(t.levels[0])
}

// Prove builds the inclusion proof for the leaf at index.
func (t *Tree) Prove(index int) (InclusionProof, error) {
	if index < 0 || index >= t.LeafCount() {
		return InclusionProof{}, errs.E(errs.InvalidInput, "leaf index %d out of range [0,%d)", index, t.LeafCount())
	}
	proof := InclusionProof{
		LeafHash:  t.levels[0][index],
		LeafIndex: index,
		Siblings:  []ProofStep{},
		Root:      t.Root(),
	}
	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		if pos%2 == 0 {
			sibling := pos // promoted odd node: sibling is itself
			if pos+1 < len(level) {
				sibling = pos + 1
			}
			proof.Siblings = append(proof.Siblings, ProofStep{Hash: level[sibling], Direction: Right})
		} else {
			proof.Siblings = append(proof.Siblings, ProofStep{Hash: level[pos-1], Direction: Left})
		}
		pos /= 2
	}
	return proof, nil
}

// Verify recomputes the root from the proof path and compares.
func Verify(p InclusionProof) bool {
	if p.LeafHash == "" || p.Root == "" {
		return false
	}
	cur := p.LeafHash
	for _, step := range p.Siblings {
		switch step.Direction {
		case Left:
			cur = hashPair(step.Hash, cur)
		case Right:
			cur = hashPair(cur, step.Hash)
		default:
			return false
		}
	}
	return cur == p.Root
}

// ProofPackage is the portable, self-verifying form of one attestation's
// inclusion in a published Merkle root.
type ProofPackage struct {
	Version         int                `json:"version"`
	Attestation     models.Attestation `json:"attestation"`
	AttestationHash string             `json:"attestationHash"`
	MerkleRoot      string             `json:"merkleRoot"`
	InclusionProof  InclusionProof     `json:"inclusionProof"`
	PackagedAt      string             `json:"packagedAt"`
	PackageHash     string             `json:"packageHash"`
}

// PackageVersion is the current proof-package format version.
const PackageVersion = 1

type packageBody struct {
	Version         int                `json:"version"`
	Attestation     models.Attestation `json:"attestation"`
	AttestationHash string             `json:"attestationHash"`
	MerkleRoot      string             `json:"merkleRoot"`
	InclusionProof  InclusionProof     `json:"inclusionProof"`
}

// HashAttestation is the canonical digest of an attestation record.
func HashAttestation(a models.Attestation) (string, error) {
	return canonical.Hash(a)
}

// Package bundles an attestation with its inclusion proof and seals the
// result with a package hash covering everything but PackagedAt.
func Package(a models.Attestation, proof InclusionProof) (ProofPackage, error) {
	attHash, err := HashAttestation(a)
	if err != nil {
		return ProofPackage{}, err
	}
	if attHash != proof.LeafHash {
		return ProofPackage{}, errs.E(errs.InvalidInput, "proof leaf does not match attestation hash")
	}
	body := packageBody{
		Version:         PackageVersion,
		Attestation:     a,
		AttestationHash: attHash,
		MerkleRoot:      proof.Root,
		InclusionProof:  proof,
	}
	pkgHash, err := canonical.Hash(body)
	if err != nil {
		return ProofPackage{}, err
	}
	return ProofPackage{
		Version:         body.Version,
		Attestation:     a,
		AttestationHash: attHash,
		MerkleRoot:      proof.Root,
		InclusionProof:  proof,
		PackagedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		PackageHash:     pkgHash,
	}, nil
}

// PackageCheck is the outcome of verifying one proof package. Failures are
// reported, never raised: a bad package is a negative result, not an error.
type PackageCheck struct {
	Valid    bool     `json:"valid"`
	Failures []string `json:"failures,omitempty"`
}

// VerifyPackage checks the inclusion proof, the attestation hash, and the
// package seal. All failures accumulate.
func VerifyPackage(p ProofPackage) PackageCheck {
	var failures []string

	if !Verify(p.InclusionProof) {
		failures = append(failures, "inclusion proof does not recompute to root")
	}
	if p.InclusionProof.Root != p.MerkleRoot {
		failures = append(failures, "proof root does not match declared merkle root")
	}
	if attHash, err := HashAttestation(p.Attestation); err != nil || attHash != p.AttestationHash {
		failures = append(failures, "attestation hash does not match attestation content")
	}
	expected, err := canonical.Hash(packageBody{
		Version:         p.Version,
		Attestation:     p.Attestation,
		AttestationHash: p.AttestationHash,
		MerkleRoot:      p.MerkleRoot,
		InclusionProof:  p.InclusionProof,
	})
	if err != nil || expected != p.PackageHash {
		failures = append(failures, "package hash does not match package content")
	}

	return PackageCheck{Valid: len(failures) == 0, Failures: failures}
}
