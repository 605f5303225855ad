package record

import (
	"encoding/json"
	"os"
	"time"
)

// Sidecar is the JSON metadata written next to every clip.
type Sidecar struct {
	CorrelationID string    `json:"correlation_id"`
	Key           string    `json:"key"`
	UserID        string    `json:"user_id,omitempty"`
	Username      string    `json:"username,omitempty"`
	FirstSeq      uint64    `json:"first_seq"`
	LastSeq       uint64    `json:"last_seq"`
	Samples       int       `json:"samples"`
	DurationMs    int       `json:"duration_ms"`
	SampleRate    int       `json:"sample_rate"`
	Channels      int       `json:"channels"`
	WavPath       string    `json:"wav_path"`
	CreatedAt     time.Time `json:"created_at"`
	SavedAt       time.Time `json:"saved_at"`
}

// ReadSidecar loads the sidecar at path.
func ReadSidecar(path string) (*Sidecar, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Sidecar
	if err := json.Unmarshal(b, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}
