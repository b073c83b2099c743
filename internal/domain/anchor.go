package domain

import (
	"math"
	"strings"
)

// IntegrityStatus: состояние целостности якоря/экспоната.
type IntegrityStatus string

const (
	IntegrityVerified IntegrityStatus = "VERIFIED"
	IntegrityPending  IntegrityStatus = "PENDING"
	IntegrityRevoked  IntegrityStatus = "REVOKED"
)

// Exhibit: сохраненный документ-доказательство. Принадлежит ровно одному workspace.
type Exhibit struct {
	ID                 string `json:"id"`
	WorkspaceID        string `json:"workspaceId"`
	StorageKey         string `json:"storageKey"`
	IntegrityHash      string `json:"integrityHash"` // SHA-256 сохраненных байт
	VerificationStatus string `json:"verificationStatus"`
}

// Anchor: неизменяемая локация допустимого доказательства внутри экспоната.
// BBox хранится как есть ([x1,y1,x2,y2] или [x,y,w,h]) и нормализуется при чтении.
type Anchor struct {
	ID              string          `json:"id"`
	ExhibitID       string          `json:"exhibitId"`
	PageNumber      int             `json:"pageNumber"`
	LineNumber      *int            `json:"lineNumber,omitempty"`
	BBox            []float64       `json:"bbox"`
	Text            string          `json:"text"`
	IntegrityStatus IntegrityStatus `json:"integrityStatus"`
	Exhibit         Exhibit         `json:"exhibit"`
}

// Revoked сообщает, отозван ли якорь (регистр статуса не важен для данных из внешних систем).
func (a Anchor) Revoked() bool {
	return IntegrityStatus(strings.ToUpper(string(a.IntegrityStatus))) == IntegrityRevoked
}

// Status: итоговое состояние целостности якоря. Отзыв экспоната отзывает все его якоря.
func (a Anchor) Status() IntegrityStatus {
	if a.Revoked() || IntegrityStatus(strings.ToUpper(a.Exhibit.VerificationStatus)) == IntegrityRevoked {
		return IntegrityRevoked
	}
	if a.IntegrityStatus == "" {
		return IntegrityVerified
	}
	return IntegrityStatus(strings.ToUpper(string(a.IntegrityStatus)))
}

// Rect: прямоугольник в координатах x1,y1 (левый верх) и x2,y2 (правый низ).
type Rect struct {
	X1, Y1, X2, Y2 float64
}

// ParseBBox проверяет, что bbox состоит ровно из 4 конечных чисел.
func ParseBBox(b []float64) ([4]float64, bool) {
	var out [4]float64
	if len(b) != 4 {
		return out, false
	}
	for i, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return out, false
		}
		out[i] = v
	}
	return out, true
}

// NormalizeRect приводит bbox к Rect. Формат определяется по тому,
// выполняются ли одновременно x2>x1 и y2>y1; иначе значения читаются как [x,y,w,h].
func NormalizeRect(b [4]float64) Rect {
	a, c, d, e := b[0], b[1], b[2], b[3]
	if d > a && e > c {
		return Rect{X1: a, Y1: c, X2: d, Y2: e}
	}
	return Rect{X1: a, Y1: c, X2: a + d, Y2: c + e}
}

// XYWHRect читает bbox строго как [x,y,w,h].
func XYWHRect(b [4]float64) Rect {
	return Rect{X1: b[0], Y1: b[1], X2: b[0] + b[2], Y2: b[1] + b[3]}
}

// Overlaps: стандартное пересечение осевых прямоугольников (касание не считается).
func (r Rect) Overlaps(o Rect) bool {
	return r.X1 < o.X2 && r.X2 > o.X1 && r.Y1 < o.Y2 && r.Y2 > o.Y1
}
