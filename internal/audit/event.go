package audit

import (
	"strings"
	"time"

	"github.com/xela07ax/trustgate/internal/canonical"
)

const (
	// GenesisHash: prevHash первого события workspace.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
	HashMode    = "sha256-v1"

	// Миллисекундная точность, как в ISO-8601 у JS/JSON-клиентов.
	timestampLayout = "2006-01-02T15:04:05.000Z"

	EventDerivedArtifact = "DERIVED_ARTIFACT"
	EventReleaseDecision = "RELEASE_DECISION"
	EventKeyShredded     = "KEY_SHREDDED"
)

// Event: звено журнала. Details хранится в исходном виде для пересчета хеша,
// Payload: уже редактированная копия.
type Event struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspaceId"`
	ActorID     string         `json:"actorId"`
	EventType   string         `json:"eventType"`
	Action      string         `json:"action"`
	ResourceID  string         `json:"resourceId,omitempty"`
	Payload     map[string]any `json:"payload"`
	Details     any            `json:"details"`
	PrevHash    string         `json:"prevHash"`
	Hash        string         `json:"hash"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Timestamp: форма времени, участвующая в хеше.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ComputeHash = SHA256(prevHash|timestamp|actorId|action|canonical(details)).
func ComputeHash(prevHash string, createdAt time.Time, actorID, action string, details any) (string, error) {
	detailsJSON, err := canonical.Marshal(details)
	if err != nil {
		return "", err
	}
	input := strings.Join([]string{prevHash, Timestamp(createdAt), actorID, action, string(detailsJSON)}, "|")
	return canonical.HashString(input), nil
}

// Export: копия для выдачи наружу: details тоже проходит редактирование.
func (e Event) Export() Event {
	out := e
	out.Payload = RedactMap(e.Payload)
	out.Details = Redact(e.Details)
	return out
}
