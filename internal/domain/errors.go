package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode: закрытая машиночитаемая таксономия отказов релиз-гейта.
type ErrorCode string

const (
	// Структурные ошибки grounding
	CodeUngroundedFindings    ErrorCode = "UNGROUNDED_FINDINGS"
	CodeAnchorNotFound        ErrorCode = "ANCHOR_NOT_FOUND"
	CodePageMismatch          ErrorCode = "PAGE_MISMATCH"
	CodeAnchorBBoxInvalid     ErrorCode = "ANCHOR_BBOX_INVALID"
	CodeBBoxMismatch          ErrorCode = "BBOX_MISMATCH"
	CodeQuoteMissing          ErrorCode = "QUOTE_MISSING"
	CodeExhibitStorageMissing ErrorCode = "EXHIBIT_STORAGE_MISSING"

	// Семантические ошибки
	CodeHallucinationDetected ErrorCode = "HALLUCINATION_DETECTED"
	CodeInvalidSchema         ErrorCode = "INVALID_SCHEMA"
	CodeUncitedClaims         ErrorCode = "UNCITED_CLAIMS"
	CodeFabricatedCitation    ErrorCode = "FABRICATED_CITATION"
	CodeUnsupportedCitation   ErrorCode = "UNSUPPORTED_CITATION"
	CodeCorroborationRequired ErrorCode = "CORROBORATION_REQUIRED"
	CodeUnstableDependency    ErrorCode = "UNSTABLE_DEPENDENCY"
)

// GroundingError: отказ выпуска ответа со стабильным кодом и HTTP-статусом.
// Никогда не понижается до предупреждения: либо блокирует релиз, либо отдается клиенту.
type GroundingError struct {
	Code    ErrorCode      `json:"errorCode"`
	Status  int            `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *GroundingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewGroundingError создает отказ со статусом 422.
func NewGroundingError(code ErrorCode, message string, details map[string]any) *GroundingError {
	return &GroundingError{
		Code:    code,
		Status:  http.StatusUnprocessableEntity,
		Message: message,
		Details: details,
	}
}

// AsGroundingError достает GroundingError из цепочки обертки.
func AsGroundingError(err error) (*GroundingError, bool) {
	var gErr *GroundingError
	if errors.As(err, &gErr) {
		return gErr, true
	}
	return nil, false
}
