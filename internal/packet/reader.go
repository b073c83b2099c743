package packet

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

// maxEntrySize ограничивает распаковку одного файла архива.
const maxEntrySize = 512 << 20

// Open читает пакет из каталога или zip-архива.
func Open(location string) (map[string][]byte, error) {
	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("packet: %w", err)
	}
	if info.IsDir() {
		return readDir(location)
	}
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, fmt.Errorf("packet: read archive: %w", err)
	}
	return ReadZip(data)
}

// ReadZip читает пакет из байт zip-архива.
func ReadZip(data []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("packet: open archive: %w", err)
	}
	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name, err := cleanPath(f.Name)
		if err != nil {
			return nil, err
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("packet: open %s: %w", name, err)
		}
		body, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("packet: read %s: %w", name, err)
		}
		if len(body) > maxEntrySize {
			return nil, fmt.Errorf("packet: %s exceeds size limit", name)
		}
		files[name] = body
	}
	return files, nil
}

func readDir(root string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("packet: read dir: %w", err)
	}
	return files, nil
}
