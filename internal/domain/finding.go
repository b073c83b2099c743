package domain

// Finding: предложенная (а после проверки: подтвержденная) находка модели.
// IntegrityHash и IntegrityStatus заполняются только Grounding Validator'ом после всех проверок.
type Finding struct {
	ExhibitID     string    `json:"exhibitId" validate:"required"`
	AnchorID      string    `json:"anchorId" validate:"required"`
	PageNumber    int       `json:"page_number" validate:"gte=1"`
	BBox          []float64 `json:"bbox" validate:"len=4"`
	Quote         string    `json:"quote"`
	IntegrityHash string    `json:"integrityHash,omitempty"`

	// IntegrityStatus заполняет валидатор из хранилища якорей; присланное клиентом значение перезаписывается.
	IntegrityStatus IntegrityStatus `json:"integrityStatus,omitempty"`
}

// Claim: единица ответа модели: текст и идентификаторы якорей, на которые он ссылается.
type Claim struct {
	Text      string   `json:"text"`
	AnchorIDs []string `json:"anchorIds"`
}

// Decision: итог релиз-гейта.
type Decision string

const (
	DecisionReleased Decision = "RELEASED"
	DecisionWithheld Decision = "WITHHELD_422"
)

// AnchorRef: ссылка на якорь в том виде, в котором она попадает в сертификат.
type AnchorRef struct {
	AnchorID      string    `json:"anchorId"`
	ExhibitID     string    `json:"exhibitId"`
	PageNumber    int       `json:"page_number"`
	BBox          []float64 `json:"bbox"`
	IntegrityHash string    `json:"integrityHash,omitempty"`
}

// RefFromFinding строит ссылку для сертификата из подтвержденной находки.
func RefFromFinding(f Finding) AnchorRef {
	return AnchorRef{
		AnchorID:      f.AnchorID,
		ExhibitID:     f.ExhibitID,
		PageNumber:    f.PageNumber,
		BBox:          f.BBox,
		IntegrityHash: f.IntegrityHash,
	}
}
