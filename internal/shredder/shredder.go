// Package shredder держит ключи workspace в защищенной памяти, шифрует ими байты
// и необратимо уничтожает их по запросу (crypto shredding).
package shredder

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/xela07ax/trustgate/internal/canonical"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

const (
	ReceiptAlgorithm = "SHA-256"
	wrapInfo         = "trustgate/workspace-key-wrap/v1"
	shreddedAtLayout = "2006-01-02T15:04:05.000Z"
)

var (
	// ErrDataShredded: ключ workspace уничтожен или недоступен. Текст стабилен.
	ErrDataShredded = errors.New("Access Denied / Data Shredded")
	// ErrMasterKeyMissing: в production мастер-ключ обязателен.
	ErrMasterKeyMissing = errors.New("shredder: EVIDENCE_MASTER_KEY_B64 is required in production")
)

// Signaler рассылает факт уничтожения остальным инстансам.
type Signaler interface {
	PublishShred(ctx context.Context, workspaceID string) error
}

type Shredder struct {
	mu       sync.RWMutex
	keys     map[string]*memguard.LockedBuffer
	shredded map[string]struct{}

	wrapKey *memguard.LockedBuffer
	store   KeyStore
	signal  Signaler
	onShred []func(workspaceID string)
	now     func() time.Time
	logger  *zap.Logger
}

// New строит шреддер. masterB64: base64 32-байтного секрета; пустое значение
// допустимо только вне production (эфемерный мастер-ключ на время жизни процесса).
func New(masterB64 string, production bool, store KeyStore, logger *zap.Logger) (*Shredder, error) {
	logger = logger.Named("shredder")
	var master []byte
	switch {
	case masterB64 != "":
		raw, err := base64.StdEncoding.DecodeString(masterB64)
		if err != nil {
			return nil, fmt.Errorf("shredder: decode master key: %w", err)
		}
		if len(raw) != KeyBytes {
			return nil, fmt.Errorf("shredder: EVIDENCE_MASTER_KEY_B64 must be %d bytes (base64-encoded)", KeyBytes)
		}
		master = raw
	case production:
		return nil, ErrMasterKeyMissing
	default:
		logger.Warn("shredder_master_key_missing: wrapped keys will not survive a restart")
		master = make([]byte, KeyBytes)
		if _, err := rand.Read(master); err != nil {
			return nil, err
		}
	}

	// Ключ обертки выводится из мастер-секрета, сам секрет сразу затирается
	wrap := make([]byte, KeyBytes)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(wrapInfo)), wrap); err != nil {
		return nil, fmt.Errorf("shredder: derive wrapping key: %w", err)
	}
	memguard.WipeBytes(master)

	return &Shredder{
		keys:     make(map[string]*memguard.LockedBuffer),
		shredded: make(map[string]struct{}),
		wrapKey:  memguard.NewBufferFromBytes(wrap),
		store:    store,
		now:      time.Now,
		logger:   logger,
	}, nil
}

// SetSignaler подключает межинстансную рассылку (Redis).
func (s *Shredder) SetSignaler(sig Signaler) { s.signal = sig }

// OnShred регистрирует сброс производных данных workspace (кэши извлеченного текста).
// Вызывается на каждое уничтожение, локальное и по сигналу. Регистрировать до начала работы.
func (s *Shredder) OnShred(fn func(workspaceID string)) {
	s.onShred = append(s.onShred, fn)
}

func (s *Shredder) notify(workspaceIDs ...string) {
	for _, fn := range s.onShred {
		for _, ws := range workspaceIDs {
			fn(ws)
		}
	}
}

// EnsureKey возвращает резидентный ключ, поднимает сохраненный или генерирует новый.
// Уничтоженный workspace новый ключ не получает: старые шифртексты обязаны
// отвечать ErrDataShredded, а не ошибкой аутентификации.
func (s *Shredder) EnsureKey(ctx context.Context, workspaceID string) error {
	if s.hasKey(workspaceID) {
		return nil
	}
	if s.IsShredded(workspaceID) {
		return ErrDataShredded
	}
	loaded, err := s.LoadKey(ctx, workspaceID)
	if err != nil || loaded {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shredded[workspaceID]; ok {
		return ErrDataShredded
	}
	if _, ok := s.keys[workspaceID]; !ok {
		s.keys[workspaceID] = memguard.NewBufferRandom(KeyBytes)
		s.logger.Info("workspace key generated", zap.String("workspace_id", workspaceID))
	}
	return nil
}

// LoadKey поднимает обернутый ключ из хранилища. false: ключа нет.
func (s *Shredder) LoadKey(ctx context.Context, workspaceID string) (bool, error) {
	if s.hasKey(workspaceID) {
		return true, nil
	}
	rec, err := s.store.LoadWrapped(ctx, workspaceID)
	if err != nil {
		return false, fmt.Errorf("shredder: load wrapped key: %w", err)
	}
	if rec == nil {
		return false, nil
	}
	key, err := s.unwrap(*rec)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shredded[workspaceID]; ok {
		memguard.WipeBytes(key)
		return false, ErrDataShredded
	}
	if _, ok := s.keys[workspaceID]; !ok {
		s.keys[workspaceID] = memguard.NewBufferFromBytes(key)
	} else {
		memguard.WipeBytes(key)
	}
	return true, nil
}

// PersistKey сохраняет ключ, обернутый AES-256-GCM. false: резидентного ключа нет.
func (s *Shredder) PersistKey(ctx context.Context, workspaceID string) (bool, error) {
	var rec WrappedKey
	err := s.withKey(workspaceID, func(key []byte) error {
		keyHex := []byte(hex.EncodeToString(key))
		defer memguard.WipeBytes(keyHex)
		iv, tag, ct, err := seal(s.wrapKey.Bytes(), keyHex)
		if err != nil {
			return err
		}
		rec = WrappedKey{
			CiphertextB64: base64.StdEncoding.EncodeToString(ct),
			IVB64:         base64.StdEncoding.EncodeToString(iv),
			TagB64:        base64.StdEncoding.EncodeToString(tag),
		}
		return nil
	})
	if errors.Is(err, ErrDataShredded) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.store.SaveWrapped(ctx, workspaceID, rec); err != nil {
		return false, fmt.Errorf("shredder: save wrapped key: %w", err)
	}
	return true, nil
}

// Encrypt заворачивает байты в envelope ключом workspace.
func (s *Shredder) Encrypt(ctx context.Context, workspaceID string, plaintext []byte) ([]byte, error) {
	if err := s.resident(ctx, workspaceID); err != nil {
		return nil, err
	}
	var out []byte
	err := s.withKey(workspaceID, func(key []byte) error {
		iv, tag, ct, err := seal(key, plaintext)
		if err != nil {
			return err
		}
		out, err = encodeEnvelope(iv, tag, ct)
		return err
	})
	return out, err
}

// Decrypt снимает envelope. Байты без префикса возвращаются как есть.
func (s *Shredder) Decrypt(ctx context.Context, workspaceID string, data []byte) ([]byte, error) {
	if !IsEnvelope(data) {
		return data, nil
	}
	iv, tag, ct, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	if err := s.resident(ctx, workspaceID); err != nil {
		return nil, err
	}
	var out []byte
	err = s.withKey(workspaceID, func(key []byte) error {
		out, err = open(key, iv, tag, ct)
		return err
	})
	return out, err
}

// Shred уничтожает резидентный ключ и возвращает квитанцию.
// Повторный вызов ничего не уничтожает и возвращает (nil, nil).
func (s *Shredder) Shred(workspaceID string) (*Receipt, error) {
	s.mu.Lock()
	key, ok := s.keys[workspaceID]
	s.shredded[workspaceID] = struct{}{}
	if !ok {
		s.mu.Unlock()
		s.notify(workspaceID)
		return nil, nil
	}
	delete(s.keys, workspaceID)
	keyDigest := canonical.SHA256Hex(key.Bytes())
	key.Destroy()
	s.mu.Unlock()
	s.notify(workspaceID)

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("shredder: nonce: %w", err)
	}
	shreddedAt := s.now().UTC().Format(shreddedAtLayout)
	nonceHex := hex.EncodeToString(nonce)
	return &Receipt{
		WorkspaceID:   workspaceID,
		ShreddedAt:    shreddedAt,
		KeyDigest:     keyDigest,
		ReceiptDigest: ReceiptDigest(workspaceID, shreddedAt, keyDigest, nonceHex),
		Nonce:         nonceHex,
		Algorithm:     ReceiptAlgorithm,
	}, nil
}

// ShredWorkspace проходит полный сценарий: поднять сохраненный ключ (чтобы квитанция не потерялась
// после рестарта), уничтожить, удалить обернутую копию, записать квитанцию, оповестить кластер.
func (s *Shredder) ShredWorkspace(ctx context.Context, workspaceID string) (*Receipt, error) {
	if !s.IsShredded(workspaceID) {
		if _, err := s.LoadKey(ctx, workspaceID); err != nil {
			s.logger.Warn("could not load persisted key before shred",
				zap.String("workspace_id", workspaceID), zap.Error(err))
		}
	}

	receipt, err := s.Shred(workspaceID)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteWrapped(ctx, workspaceID); err != nil {
		s.logger.Error("failed to delete wrapped key", zap.String("workspace_id", workspaceID), zap.Error(err))
	}
	if receipt == nil {
		return nil, nil
	}
	if err := s.store.SaveReceipt(ctx, *receipt); err != nil {
		return receipt, fmt.Errorf("shredder: save receipt: %w", err)
	}
	if s.signal != nil {
		if err := s.signal.PublishShred(ctx, workspaceID); err != nil {
			s.logger.Error("failed to broadcast shred", zap.String("workspace_id", workspaceID), zap.Error(err))
		}
	}
	s.logger.Info("workspace shredded",
		zap.String("workspace_id", workspaceID),
		zap.String("receipt_digest", receipt.ReceiptDigest),
	)
	return receipt, nil
}

// Forget затирает локальную копию ключа по сигналу другого инстанса, без квитанции.
func (s *Shredder) Forget(workspaceIDs ...string) {
	s.mu.Lock()
	for _, ws := range workspaceIDs {
		if key, ok := s.keys[ws]; ok {
			key.Destroy()
			delete(s.keys, ws)
		}
		s.shredded[ws] = struct{}{}
	}
	s.mu.Unlock()
	s.notify(workspaceIDs...)
}

func (s *Shredder) IsShredded(workspaceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.shredded[workspaceID]
	return ok
}

// Close уничтожает все резидентные ключи.
func (s *Shredder) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ws, key := range s.keys {
		key.Destroy()
		delete(s.keys, ws)
	}
	s.wrapKey.Destroy()
}

// ReceiptDigest = SHA256(workspaceId:shreddedAt:keyDigest:nonce).
func ReceiptDigest(workspaceID, shreddedAt, keyDigest, nonce string) string {
	return canonical.HashString(workspaceID + ":" + shreddedAt + ":" + keyDigest + ":" + nonce)
}

// resident поднимает сохраненный ключ после рестарта; отсутствие ключа: ErrDataShredded.
func (s *Shredder) resident(ctx context.Context, workspaceID string) error {
	if s.hasKey(workspaceID) {
		return nil
	}
	if s.IsShredded(workspaceID) {
		return ErrDataShredded
	}
	loaded, err := s.LoadKey(ctx, workspaceID)
	if err != nil {
		return err
	}
	if !loaded {
		return ErrDataShredded
	}
	return nil
}

func (s *Shredder) hasKey(workspaceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[workspaceID]
	return ok
}

// withKey держит read-lock, пока fn работает с байтами ключа: Shred не может
// уничтожить буфер посреди операции.
func (s *Shredder) withKey(workspaceID string, fn func(key []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[workspaceID]
	if !ok {
		return ErrDataShredded
	}
	return fn(key.Bytes())
}

func (s *Shredder) unwrap(rec WrappedKey) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(rec.CiphertextB64)
	if err != nil {
		return nil, fmt.Errorf("shredder: wrapped ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(rec.IVB64)
	if err != nil {
		return nil, fmt.Errorf("shredder: wrapped iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(rec.TagB64)
	if err != nil {
		return nil, fmt.Errorf("shredder: wrapped tag: %w", err)
	}
	keyHex, err := open(s.wrapKey.Bytes(), iv, tag, ct)
	if err != nil {
		return nil, fmt.Errorf("shredder: unwrap key: %w", err)
	}
	defer memguard.WipeBytes(keyHex)
	key := make([]byte, KeyBytes)
	if n, err := hex.Decode(key, keyHex); err != nil || n != KeyBytes {
		return nil, fmt.Errorf("shredder: wrapped key must be %d bytes (hex-encoded)", KeyBytes)
	}
	return key, nil
}
