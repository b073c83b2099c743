package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/trustgate/internal/audit"
	"github.com/xela07ax/trustgate/internal/infra"
	"github.com/xela07ax/trustgate/internal/packet"
)

func writePacket(t *testing.T) string {
	t.Helper()
	keys, err := infra.GenerateEd25519Keys()
	require.NoError(t, err)
	p, err := packet.NewBuilder(keys, "kid", "").Build(packet.Contents{
		WorkspaceID:  "ws1",
		Verification: audit.VerifyEvents(nil),
		Extra:        []packet.File{{Path: "proof_packet.pdf", Data: []byte("%PDF-1.4")}},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, p.WriteZip(&buf))
	path := filepath.Join(t.TempDir(), "packet.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestRun_Pass(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{writePacket(t)}, &out, &errOut)
	assert.Equal(t, exitPass, code)
	assert.Equal(t, "PASS: Proof packet verified.\n", out.String())
}

func TestRun_FailOnTamper(t *testing.T) {
	dir := t.TempDir()
	files, err := packet.Open(writePacket(t))
	require.NoError(t, err)
	files["proof_packet.pdf"] = []byte("%PDF-1.5")
	require.NoError(t, (&packet.Packet{Files: files}).WriteDir(dir))

	var out, errOut bytes.Buffer
	code := run([]string{dir}, &out, &errOut)
	assert.Equal(t, exitFail, code)
	assert.Contains(t, out.String(), "FAIL: DIGEST: digest mismatch for proof_packet.pdf")
}

func TestRun_GoldenRecordAndCompare(t *testing.T) {
	pkt := writePacket(t)
	golden := filepath.Join(t.TempDir(), "proof_packet.pdf")

	var out bytes.Buffer
	assert.Equal(t, exitFail, run([]string{pkt, "--golden", golden}, &out, &bytes.Buffer{}))
	assert.Contains(t, out.String(), "FAIL: GOLDEN")

	out.Reset()
	assert.Equal(t, exitPass, run([]string{pkt, "--golden", golden, "--record"}, &out, &bytes.Buffer{}))

	out.Reset()
	assert.Equal(t, exitPass, run([]string{pkt, "--golden", golden}, &out, &bytes.Buffer{}))
	assert.Contains(t, out.String(), "PASS")
}

func TestRun_BadInput(t *testing.T) {
	var errOut bytes.Buffer
	assert.Equal(t, exitError, run([]string{filepath.Join(t.TempDir(), "missing")}, &bytes.Buffer{}, &errOut))
	assert.Contains(t, errOut.String(), "verify:")
	assert.Equal(t, exitError, run(nil, &bytes.Buffer{}, &bytes.Buffer{}))
}
