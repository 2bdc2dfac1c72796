// Package index implements the recording index (C6): a GORM-backed
// document-store stand-in with indexed queries by bot/time/open-flag/
// file-id, in-memory participant filtering, schema versioning, and quota
// eviction. Grounded on the callcontext package (GORM entity
// with TableName/BeforeCreate, Store interface with Where-scoped atomic
// updates), generalized from its single-row claim/complete state machine
// to a richer list/filter/quota/finalize surface.
package index

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CurrentSchemaVersion is raised to 2 when waveform metadata was added to
// rows (§9 DESIGN NOTES); this implementation always writes waveforms, so
// it adopts 2 rather than 1.
const CurrentSchemaVersion = 2

// Participant is one non-bot client present in a segment, in row order.
type Participant struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
}

// Waveform is the finalized per-track sidecar summary stored in a row.
type Waveform struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	SampleRate  uint32 `json:"sampleRate"`
	Samples     uint32 `json:"samples"`
	MaxSample   uint8  `json:"maxSample"`
	SizeBytes   int64  `json:"sizeBytes"`
	FileID      string `json:"fileId"`
}

// Recording is one segment's durable row.
type Recording struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	BotID    uint64 `gorm:"column:bot_id;not null;index:idx_recordings_bot_id"`
	FileID   string `gorm:"column:file_id;type:varchar(1024);not null;uniqueIndex"`
	FileName string `gorm:"column:file_name;type:varchar(255);not null"`

	StartUTC time.Time  `gorm:"column:start_utc;not null;index:idx_recordings_start_utc"`
	EndUTC   *time.Time `gorm:"column:end_utc"`

	SizeBytes  int64  `gorm:"column:size_bytes;not null;default:0"`
	DurationMs *int64 `gorm:"column:duration_ms"`
	IsOpen     bool   `gorm:"column:is_open;not null;index:idx_recordings_is_open"`

	ParticipantsJSON string `gorm:"column:participants;type:text;not null;default:'[]'"`
	WaveformsJSON    string `gorm:"column:waveforms;type:text;not null;default:'[]'"`

	SchemaVersion int       `gorm:"column:schema_version;not null;default:2"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

func (Recording) TableName() string {
	return "recordings"
}

// BeforeCreate fills in a file id (if the caller didn't already derive one
// from the segment's relative path) and bookkeeping timestamps.
func (r *Recording) BeforeCreate(tx *gorm.DB) error {
	if r.FileID == "" {
		r.FileID = uuid.New().String()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.SchemaVersion == 0 {
		r.SchemaVersion = CurrentSchemaVersion
	}
	return nil
}

// Participants decodes the row's participant list, tolerating a v1 row
// that never had the column populated.
func (r *Recording) Participants() []Participant {
	var out []Participant
	if r.ParticipantsJSON == "" {
		return out
	}
	_ = json.Unmarshal([]byte(r.ParticipantsJSON), &out)
	return out
}

// SetParticipants serializes p into the row's participants column.
func (r *Recording) SetParticipants(p []Participant) error {
	if p == nil {
		p = []Participant{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	r.ParticipantsJSON = string(b)
	return nil
}

// Waveforms decodes the row's waveform list, returning an empty slice for
// a v1 row (no waveforms column populated) per the §9 schema-migration
// compatibility note.
func (r *Recording) Waveforms() []Waveform {
	var out []Waveform
	if r.WaveformsJSON == "" {
		return out
	}
	_ = json.Unmarshal([]byte(r.WaveformsJSON), &out)
	return out
}

// SetWaveforms serializes w into the row's waveforms column.
func (r *Recording) SetWaveforms(w []Waveform) error {
	if w == nil {
		w = []Waveform{}
	}
	b, err := json.Marshal(w)
	if err != nil {
		return err
	}
	r.WaveformsJSON = string(b)
	return nil
}

// schemaMeta is a singleton row tracking the collection's schema version,
// standing in for the document store's collection metadata (§4.6).
type schemaMeta struct {
	ID      uint8 `gorm:"primaryKey"`
	Version int   `gorm:"column:version;not null"`
}

func (schemaMeta) TableName() string {
	return "recordings_schema"
}
