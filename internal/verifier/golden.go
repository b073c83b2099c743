package verifier

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/xela07ax/trustgate/internal/canonical"
)

// DefaultGoldenPath: эталонный PDF по умолчанию.
const DefaultGoldenPath = "proof/golden/proof_packet.pdf"

var preferredPDF = regexp.MustCompile(`(?i)admissibility|proof`)

// FindPDF выбирает PDF пакета: сначала admissibility/proof отчет, иначе первый по имени.
func FindPDF(files map[string][]byte) (string, bool) {
	var pdfs []string
	for p := range files {
		if strings.EqualFold(filepath.Ext(p), ".pdf") {
			pdfs = append(pdfs, p)
		}
	}
	if len(pdfs) == 0 {
		return "", false
	}
	sort.Strings(pdfs)
	for _, p := range pdfs {
		if preferredPDF.MatchString(filepath.Base(p)) {
			return p, true
		}
	}
	return pdfs[0], true
}

// DigestPath: файл с записанным SHA-256 эталона.
func DigestPath(goldenPath string) string { return goldenPath + ".sha256" }

// CheckGolden сравнивает PDF пакета с эталоном. С record=true эталон перезаписывается.
// Ошибка возвращается только при сбое записи; расхождения попадают в отчет.
func (r *Report) CheckGolden(files map[string][]byte, goldenPath string, record bool) error {
	if goldenPath == "" {
		goldenPath = DefaultGoldenPath
	}
	name, ok := FindPDF(files)
	if !ok {
		r.fail(CategoryGolden, "packet contains no PDF to compare")
		return nil
	}
	digest := canonical.SHA256Hex(files[name])

	if record {
		if err := os.MkdirAll(filepath.Dir(goldenPath), 0o750); err != nil {
			return fmt.Errorf("golden: mkdir: %w", err)
		}
		if err := os.WriteFile(goldenPath, files[name], 0o640); err != nil {
			return fmt.Errorf("golden: write pdf: %w", err)
		}
		if err := os.WriteFile(DigestPath(goldenPath), []byte(digest+"\n"), 0o640); err != nil {
			return fmt.Errorf("golden: write digest: %w", err)
		}
		return nil
	}

	want, err := os.ReadFile(DigestPath(goldenPath))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		r.fail(CategoryGolden, "no recorded digest at %s (run with --record)", DigestPath(goldenPath))
	case err != nil:
		r.fail(CategoryGolden, "read %s: %v", DigestPath(goldenPath), err)
	case strings.TrimSpace(string(want)) != digest:
		r.fail(CategoryGolden, "%s differs from golden %s", name, goldenPath)
	}
	return nil
}
