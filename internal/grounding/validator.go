// Package grounding проверяет, что каждая находка модели опирается на реальный якорь:
// владение workspace, страница, рамка и оптическая повторная сверка цитаты с байтами экспоната.
package grounding

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xela07ax/trustgate/internal/domain"
	"github.com/xela07ax/trustgate/internal/shredder"
	"go.uber.org/zap"
)

const (
	DefaultBBoxTolerance       = 2.0
	DefaultSimilarityThreshold = 0.85
)

// AnchorStore: внешний источник якорей (только чтение).
type AnchorStore interface {
	// FindAnchor возвращает (nil, nil), если якоря нет в указанном workspace.
	FindAnchor(ctx context.Context, anchorID, exhibitID, workspaceID string) (*domain.Anchor, error)
}

// ExhibitStorage отдает сохраненные байты экспоната по ключу хранилища.
type ExhibitStorage interface {
	Download(ctx context.Context, storageKey string) ([]byte, error)
}

// Decryptor снимает envelope-шифрование workspace с байт экспоната.
type Decryptor interface {
	Decrypt(ctx context.Context, workspaceID string, data []byte) ([]byte, error)
}

// ShredStatus сообщает, уничтожены ли ключи workspace. Реализуется shredder.Shredder.
type ShredStatus interface {
	IsShredded(workspaceID string) bool
}

type Options struct {
	BBoxTolerance       float64
	SimilarityThreshold float64
	CacheSize           int
}

type Validator struct {
	anchors   AnchorStore
	storage   ExhibitStorage
	extractor TextExtractor
	decryptor Decryptor
	shred     ShredStatus
	cache     *RegionCache
	validate  *validator.Validate
	opts      Options
	logger    *zap.Logger
}

func NewValidator(anchors AnchorStore, storage ExhibitStorage, extractor TextExtractor, opts Options, logger *zap.Logger) (*Validator, error) {
	if opts.BBoxTolerance <= 0 {
		opts.BBoxTolerance = DefaultBBoxTolerance
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	cache, err := NewRegionCache(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Validator{
		anchors:   anchors,
		storage:   storage,
		extractor: extractor,
		cache:     cache,
		validate:  validator.New(),
		opts:      opts,
		logger:    logger.Named("grounding"),
	}, nil
}

// WithDecryptor включает расшифровку экспонатов перед извлечением текста.
// Если d знает об уничтоженных workspace, кэш регионов для них не отвечает.
func (v *Validator) WithDecryptor(d Decryptor) *Validator {
	v.decryptor = d
	if st, ok := d.(ShredStatus); ok {
		v.shred = st
	}
	return v
}

// ForgetWorkspace выбрасывает извлеченный текст workspace из кэша.
func (v *Validator) ForgetWorkspace(workspaceID string) {
	if n := v.cache.PurgeWorkspace(workspaceID); n > 0 {
		v.logger.Info("region cache purged", zap.String("workspace_id", workspaceID), zap.Int("entries", n))
	}
}

// Cache открыт для метрик и тестов.
func (v *Validator) Cache() *RegionCache {
	return v.cache
}

// ValidateRaw разбирает JSON-массив находок и проверяет его целиком.
func (v *Validator) ValidateRaw(ctx context.Context, workspaceID string, raw []byte) ([]domain.Finding, error) {
	var findings []domain.Finding
	if err := json.Unmarshal(raw, &findings); err != nil {
		return nil, domain.NewGroundingError(domain.CodeUngroundedFindings,
			"Findings payload must be a JSON array of findings.", map[string]any{"error": err.Error()})
	}
	return v.Validate(ctx, workspaceID, findings)
}

// Validate проверяет пакет находок по принципу "всё или ничего":
// первая же неудачная находка отменяет весь пакет.
func (v *Validator) Validate(ctx context.Context, workspaceID string, findings []domain.Finding) ([]domain.Finding, error) {
	if len(findings) == 0 {
		return nil, domain.NewGroundingError(domain.CodeUngroundedFindings,
			"At least one grounded finding is required.", nil)
	}
	for i := range findings {
		if err := v.validate.Struct(findings[i]); err != nil {
			return nil, domain.NewGroundingError(domain.CodeUngroundedFindings,
				"Finding does not match the required schema.",
				map[string]any{"index": i, "error": err.Error()})
		}
	}

	// Байты экспоната скачиваем один раз на пакет
	exhibitBytes := make(map[string][]byte)
	out := make([]domain.Finding, 0, len(findings))

	for _, f := range findings {
		verified, err := v.validateOne(ctx, workspaceID, f, exhibitBytes)
		if err != nil {
			return nil, err
		}
		out = append(out, verified)
	}
	return out, nil
}

func (v *Validator) validateOne(ctx context.Context, workspaceID string, f domain.Finding, exhibitBytes map[string][]byte) (domain.Finding, error) {
	ref := map[string]any{"anchorId": f.AnchorID, "exhibitId": f.ExhibitID}

	// 1. Якорь в рамках (anchorId, exhibitId, workspaceId)
	anchor, err := v.anchors.FindAnchor(ctx, f.AnchorID, f.ExhibitID, workspaceID)
	if err != nil {
		return f, fmt.Errorf("grounding: anchor lookup %s: %w", f.AnchorID, err)
	}
	if anchor == nil || anchor.Exhibit.WorkspaceID != workspaceID {
		return f, domain.NewGroundingError(domain.CodeAnchorNotFound,
			fmt.Sprintf("Anchor %s was not found for exhibit %s.", f.AnchorID, f.ExhibitID), ref)
	}

	// 2. Страница
	if f.PageNumber != anchor.PageNumber {
		return f, domain.NewGroundingError(domain.CodePageMismatch,
			fmt.Sprintf("Anchor %s is on page %d, finding cites page %d.", f.AnchorID, anchor.PageNumber, f.PageNumber),
			merge(ref, map[string]any{"expected": anchor.PageNumber, "got": f.PageNumber}))
	}

	// 3. Сохраненный bbox
	stored, ok := domain.ParseBBox(anchor.BBox)
	if !ok {
		return f, domain.NewGroundingError(domain.CodeAnchorBBoxInvalid,
			fmt.Sprintf("Anchor %s has an invalid stored bbox.", f.AnchorID), ref)
	}

	// 4. Присланный bbox в пределах допуска по каждой оси
	supplied, ok := domain.ParseBBox(f.BBox)
	if !ok || !withinTolerance(stored, supplied, v.opts.BBoxTolerance) {
		return f, domain.NewGroundingError(domain.CodeBBoxMismatch,
			fmt.Sprintf("Finding bbox does not match anchor %s.", f.AnchorID),
			merge(ref, map[string]any{"expected": stored[:], "got": f.BBox, "tolerance": v.opts.BBoxTolerance}))
	}

	// 5. Цитата
	if strings.TrimSpace(f.Quote) == "" {
		return f, domain.NewGroundingError(domain.CodeQuoteMissing,
			fmt.Sprintf("Finding for anchor %s has no quote.", f.AnchorID), ref)
	}
	if anchor.Exhibit.StorageKey == "" {
		return f, domain.NewGroundingError(domain.CodeExhibitStorageMissing,
			fmt.Sprintf("Exhibit %s has no stored bytes.", f.ExhibitID), ref)
	}

	// 6. Оптическая сверка
	extracted, err := v.regionText(ctx, workspaceID, anchor, stored, exhibitBytes)
	if err != nil {
		return f, err
	}
	similarity := Similarity(extracted, f.Quote)
	if similarity < v.opts.SimilarityThreshold {
		v.logger.Warn("hallucination detected",
			zap.String("workspace_id", workspaceID),
			zap.String("anchor_id", f.AnchorID),
			zap.Float64("similarity", similarity))
		return f, domain.NewGroundingError(domain.CodeHallucinationDetected,
			fmt.Sprintf("Quote for anchor %s does not match the exhibit text.", f.AnchorID),
			merge(ref, map[string]any{
				"similarity":    similarity,
				"extractedText": extracted,
				"citedQuote":    f.Quote,
			}))
	}

	// 7. Обогащаем текущим хешем экспоната и состоянием целостности якоря
	f.IntegrityHash = anchor.Exhibit.IntegrityHash
	f.IntegrityStatus = anchor.Status()
	return f, nil
}

func (v *Validator) regionText(ctx context.Context, workspaceID string, anchor *domain.Anchor, bbox [4]float64, exhibitBytes map[string][]byte) (string, error) {
	if v.shred != nil && v.shred.IsShredded(workspaceID) {
		v.cache.PurgeWorkspace(workspaceID)
		return "", fmt.Errorf("grounding: exhibit %s: %w", anchor.ExhibitID, shredder.ErrDataShredded)
	}
	if text, ok := v.cache.Get(workspaceID, anchor.ExhibitID, anchor.PageNumber, bbox); ok {
		return text, nil
	}

	data, ok := exhibitBytes[anchor.ExhibitID]
	if !ok {
		raw, err := v.storage.Download(ctx, anchor.Exhibit.StorageKey)
		if err != nil {
			return "", fmt.Errorf("grounding: download exhibit %s: %w", anchor.ExhibitID, err)
		}
		if v.decryptor != nil {
			raw, err = v.decryptor.Decrypt(ctx, workspaceID, raw)
			if err != nil {
				return "", fmt.Errorf("grounding: decrypt exhibit %s: %w", anchor.ExhibitID, err)
			}
		}
		data = raw
		exhibitBytes[anchor.ExhibitID] = data
	}

	text, err := v.extractor.ExtractRegion(ctx, data, anchor.PageNumber, bbox)
	if err != nil {
		return "", fmt.Errorf("grounding: extract exhibit %s page %d: %w", anchor.ExhibitID, anchor.PageNumber, err)
	}
	v.cache.Put(workspaceID, anchor.ExhibitID, anchor.PageNumber, bbox, text)
	return text, nil
}

func withinTolerance(a, b [4]float64, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

func merge(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// IsHallucination сообщает, что отказ вызван несовпадением цитаты, а не структурой.
func IsHallucination(err error) bool {
	gErr, ok := domain.AsGroundingError(err)
	return ok && gErr.Code == domain.CodeHallucinationDetected
}
