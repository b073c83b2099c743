// Package packet собирает самодостаточный подписанный пакет доказательств,
// который проверяется без базы, сети и общих секретов (только публичный ключ).
package packet

import (
	"github.com/xela07ax/trustgate/internal/audit"
	"github.com/xela07ax/trustgate/internal/trustgraph"
)

// Имена файлов пакета.
const (
	FileManifest     = "manifest.json"
	FileManifestSig  = "manifest.sig"
	FileHashes       = "hashes.txt"
	FileSignature    = "signature.ed25519"
	FilePublicKey    = "public_key.pem"
	FileClaimProofs  = "claim_proofs.json"
	FileContracts    = "proof_contracts.json"
	FileAuditChain   = "audit_chain.json"
	FileCustody      = "chain_of_custody.json"
	FileVerification = "chain_verification.json"
	FileAttestation  = "audit_attestation.json"

	ContractVersion  = "v1"
	SignatureDivider = "\n---\n"
	StatusSigned     = "signed"
)

// IsSignatureFile: файлы, которые не входят в hashes.txt (они сами подписывают остальное).
func IsSignatureFile(path string) bool {
	switch path {
	case FileManifest, FileManifestSig, FileHashes, FileSignature, FilePublicKey:
		return true
	}
	return false
}

type Entry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

type Manifest struct {
	PacketContractVersion string  `json:"packetContractVersion"`
	WorkspaceID           string  `json:"workspaceId"`
	Timestamp             string  `json:"timestamp"`
	KID                   string  `json:"kid"`
	BuildSHA              string  `json:"buildSha,omitempty"`
	Files                 []Entry `json:"files"`
}

// ManifestSignature: содержимое manifest.sig: подпись над байтами manifest.json.
type ManifestSignature struct {
	Status       string `json:"status"`
	Algorithm    string `json:"algorithm"`
	KID          string `json:"kid"`
	SignatureB64 string `json:"signatureB64"`
}

type ClaimProofsFile struct {
	Artifacts []trustgraph.DerivedArtifact `json:"artifacts"`
}

type ContractRecord struct {
	ArtifactID        string                    `json:"artifactId"`
	ProofContract     *trustgraph.ProofContract `json:"proofContract"`
	ProofContractHash string                    `json:"proofContractHash"`
	ClaimProofsHash   string                    `json:"claimProofsHash"`
	ReplayHash        string                    `json:"replayHash"`
}

type ContractsFile struct {
	Contracts []ContractRecord `json:"contracts"`
}

// ChainEntry: звено журнала в пакете (без payload и details).
type ChainEntry struct {
	ID        string `json:"id"`
	EventType string `json:"eventType"`
	Action    string `json:"action"`
	ActorID   string `json:"actorId"`
	CreatedAt string `json:"createdAt"`
	PrevHash  string `json:"prevHash"`
	Hash      string `json:"hash"`
}

type Custody struct {
	WorkspaceID string   `json:"workspaceId"`
	EventIDs    []string `json:"eventIds"`
	HeadHash    string   `json:"headHash"`
}

// Attestation: ledger proof на момент экспорта; offline пересчитывается по audit_chain.json.
type Attestation struct {
	WorkspaceID string `json:"workspaceId"`
	EventCount  int    `json:"eventCount"`
	MaxEventID  string `json:"maxEventId"`
	HeadHash    string `json:"headHash"`
	ProofHash   string `json:"proofHash"`
	TamperFlag  bool   `json:"tamperFlag"`
	GenesisHash string `json:"genesisHash"`
}

// ChainEntries переводит события журнала в форму пакета.
func ChainEntries(events []audit.Event) []ChainEntry {
	out := make([]ChainEntry, 0, len(events))
	for _, e := range events {
		out = append(out, ChainEntry{
			ID:        e.ID,
			EventType: e.EventType,
			Action:    e.Action,
			ActorID:   e.ActorID,
			CreatedAt: audit.Timestamp(e.CreatedAt),
			PrevHash:  e.PrevHash,
			Hash:      e.Hash,
		})
	}
	return out
}
