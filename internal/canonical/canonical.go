// Package canonical реализует детерминированную сериализацию JSON и SHA-256 хелперы.
// Producer (сервер) и offline verifier обязаны получать побайтно одинаковый результат,
// поэтому весь хешируемый JSON проходит только через этот пакет.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Marshal сериализует значение в JSON с рекурсивно отсортированными ключами объектов.
// Структуры сначала приводятся к map через обычный json.Marshal, поэтому порядок
// полей структуры на результат не влияет.
func Marshal(v any) ([]byte, error) {
	raw, err := encode(v)
	if err != nil {
		return nil, err
	}

	// 1. Нормализуем в дерево из map/slice/примитивов (UseNumber сохраняет числа как есть)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}

	// 2. encoding/json сортирует ключи map[string]any при сериализации
	return encode(tree)
}

// MarshalIndent возвращает канонический JSON с отступом в два пробела.
// Используется для файлов пакета, которые читают люди.
func MarshalIndent(v any) ([]byte, error) {
	compact, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact, "", "  "); err != nil {
		return nil, fmt.Errorf("canonical: indent: %w", err)
	}
	return out.Bytes(), nil
}

// Hash возвращает hex SHA-256 канонического JSON значения.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// SHA256Hex: hex-дайджест произвольных байт.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashString: hex-дайджест строки.
func HashString(s string) string {
	return SHA256Hex([]byte(s))
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
