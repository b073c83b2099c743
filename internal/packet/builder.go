package packet

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/xela07ax/trustgate/internal/audit"
	"github.com/xela07ax/trustgate/internal/canonical"
	"github.com/xela07ax/trustgate/internal/infra"
	"github.com/xela07ax/trustgate/internal/trustgraph"
)

// File: произвольный файл пакета (экспонат, отчет).
type File struct {
	Path string
	Data []byte
}

// Contents: все, что попадает в пакет одного workspace.
type Contents struct {
	WorkspaceID  string
	Artifacts    []trustgraph.DerivedArtifact
	Events       []audit.Event
	Verification audit.Verification
	Extra        []File
}

// Packet: собранный пакет в памяти: путь -> байты.
type Packet struct {
	Manifest Manifest
	Files    map[string][]byte
}

type Builder struct {
	keys     *infra.SigningKeys
	kid      string
	buildSHA string
	now      func() time.Time
}

func NewBuilder(keys *infra.SigningKeys, kid, buildSHA string) *Builder {
	return &Builder{keys: keys, kid: kid, buildSHA: buildSHA, now: time.Now}
}

// Build собирает пакет:
// артефакты -> hashes.txt -> manifest.json -> manifest.sig и signature.ed25519.
func (b *Builder) Build(c Contents) (*Packet, error) {
	files := make(map[string][]byte)

	// 1. Доменные артефакты
	content, err := b.domainFiles(c)
	if err != nil {
		return nil, err
	}
	for _, f := range append(content, c.Extra...) {
		p, err := cleanPath(f.Path)
		if err != nil {
			return nil, err
		}
		if IsSignatureFile(p) {
			return nil, fmt.Errorf("packet: %s is reserved", p)
		}
		files[p] = f.Data
	}

	// 2. hashes.txt по содержательным файлам
	core := sortedPaths(files)
	var hashes strings.Builder
	entries := make([]Entry, 0, len(core)+1)
	for _, p := range core {
		sum := canonical.SHA256Hex(files[p])
		fmt.Fprintf(&hashes, "%s  %s\n", sum, p)
		entries = append(entries, Entry{Path: p, SHA256: sum, Size: int64(len(files[p]))})
	}
	files[FileHashes] = []byte(hashes.String())

	// 3. Публичный ключ тоже перечислен в манифесте
	files[FilePublicKey] = b.keys.PublicPEM
	entries = append(entries, Entry{
		Path:   FilePublicKey,
		SHA256: canonical.SHA256Hex(b.keys.PublicPEM),
		Size:   int64(len(b.keys.PublicPEM)),
	})

	manifest := Manifest{
		PacketContractVersion: ContractVersion,
		WorkspaceID:           c.WorkspaceID,
		Timestamp:             audit.Timestamp(b.now()),
		KID:                   b.kid,
		BuildSHA:              b.buildSHA,
		Files:                 entries,
	}
	manifestBytes, err := canonical.MarshalIndent(manifest)
	if err != nil {
		return nil, fmt.Errorf("packet: manifest: %w", err)
	}
	files[FileManifest] = manifestBytes

	// 4. Две подписи: над манифестом и над манифестом + hashes.txt
	sig, err := canonical.MarshalIndent(ManifestSignature{
		Status:       StatusSigned,
		Algorithm:    "Ed25519",
		KID:          b.kid,
		SignatureB64: base64.StdEncoding.EncodeToString(ed25519.Sign(b.keys.Private, manifestBytes)),
	})
	if err != nil {
		return nil, err
	}
	files[FileManifestSig] = sig
	files[FileSignature] = []byte(base64.StdEncoding.EncodeToString(
		ed25519.Sign(b.keys.Private, SigningInput(manifestBytes, files[FileHashes]))))

	return &Packet{Manifest: manifest, Files: files}, nil
}

// SigningInput: вход упрощенной подписи: manifest + "\n---\n" + hashes.txt.
func SigningInput(manifest, hashes []byte) []byte {
	out := make([]byte, 0, len(manifest)+len(SignatureDivider)+len(hashes))
	out = append(out, manifest...)
	out = append(out, SignatureDivider...)
	return append(out, hashes...)
}

func (b *Builder) domainFiles(c Contents) ([]File, error) {
	artifacts := c.Artifacts
	if artifacts == nil {
		artifacts = []trustgraph.DerivedArtifact{}
	}
	contracts := make([]ContractRecord, 0, len(artifacts))
	for _, a := range artifacts {
		if a.ProofContract == nil {
			continue
		}
		contracts = append(contracts, ContractRecord{
			ArtifactID:        a.ID,
			ProofContract:     a.ProofContract,
			ProofContractHash: a.ProofContractHash,
			ClaimProofsHash:   a.ClaimProofsHash,
			ReplayHash:        a.ReplayHash,
		})
	}

	chain := ChainEntries(c.Events)
	custody := Custody{WorkspaceID: c.WorkspaceID, EventIDs: make([]string, 0, len(chain)), HeadHash: audit.NoneMarker}
	attestation := Attestation{
		WorkspaceID: c.WorkspaceID,
		EventCount:  len(chain),
		MaxEventID:  audit.NoneMarker,
		HeadHash:    audit.NoneMarker,
		TamperFlag:  !c.Verification.Valid,
		GenesisHash: audit.GenesisHash,
	}
	for _, e := range chain {
		custody.EventIDs = append(custody.EventIDs, e.ID)
	}
	if n := len(chain); n > 0 {
		custody.HeadHash = chain[n-1].Hash
		attestation.MaxEventID, attestation.HeadHash = chain[n-1].ID, chain[n-1].Hash
	}
	attestation.ProofHash = audit.ComputeProofHash(c.WorkspaceID, attestation.EventCount, attestation.MaxEventID, attestation.HeadHash)

	docs := []struct {
		path string
		v    any
	}{
		{FileClaimProofs, ClaimProofsFile{Artifacts: artifacts}},
		{FileContracts, ContractsFile{Contracts: contracts}},
		{FileAuditChain, chain},
		{FileCustody, custody},
		{FileVerification, c.Verification},
		{FileAttestation, attestation},
	}
	out := make([]File, 0, len(docs))
	for _, d := range docs {
		data, err := canonical.MarshalIndent(d.v)
		if err != nil {
			return nil, fmt.Errorf("packet: %s: %w", d.path, err)
		}
		out = append(out, File{Path: d.path, Data: data})
	}
	return out, nil
}

// WriteDir раскладывает пакет в каталог.
func (p *Packet) WriteDir(dir string) error {
	for _, name := range sortedPaths(p.Files) {
		full := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
			return fmt.Errorf("packet: mkdir for %s: %w", name, err)
		}
		if err := os.WriteFile(full, p.Files[name], 0o640); err != nil {
			return fmt.Errorf("packet: write %s: %w", name, err)
		}
	}
	return nil
}

// WriteZip пишет пакет zip-архивом в детерминированном порядке.
func (p *Packet) WriteZip(w io.Writer) error {
	zw := zip.NewWriter(w)
	for _, name := range sortedPaths(p.Files) {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return fmt.Errorf("packet: zip entry %s: %w", name, err)
		}
		if _, err := fw.Write(p.Files[name]); err != nil {
			return fmt.Errorf("packet: zip write %s: %w", name, err)
		}
	}
	return zw.Close()
}

func sortedPaths(files map[string][]byte) []string {
	out := make([]string, 0, len(files))
	for p := range files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// cleanPath приводит путь к относительному виду со слешами и не выпускает его за корень пакета.
func cleanPath(p string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("packet: invalid file path %q", p)
	}
	return clean, nil
}
