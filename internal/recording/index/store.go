package index

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrOpenSegment is returned by Delete when the requested row is the
// currently open segment, which may never be deleted (§4.6).
var ErrOpenSegment = errors.New("index: cannot delete the currently open segment")

// ErrNotFound is returned by Delete and Get for an unknown file id.
var ErrNotFound = errors.New("index: recording not found")

// Store is the recording index's query/command surface.
type Store interface {
	Insert(ctx context.Context, r *Recording) error
	UpdateLiveState(ctx context.Context, fileID string, sizeBytes int64, durationMs int64, participants []Participant) error
	Finalize(ctx context.Context, fileID string, end time.Time, durationMs int64, sizeBytes int64, waveforms []Waveform) error
	Delete(ctx context.Context, fileID string) (*Recording, error)
	Get(ctx context.Context, fileID string) (*Recording, error)
	List(ctx context.Context, f ListFilter) ([]Recording, error)
	ListParticipants(ctx context.Context, from, to *time.Time) ([]Participant, error)
}

// ListFilter is the query shape for list() (§4.6).
type ListFilter struct {
	BotID uint64 // zero matches rows of every bot
	From  *time.Time
	To    *time.Time
	UID   string // comma/semicolon separated tokens
	Name  string // comma/semicolon separated tokens

	// LiveOverride, when set, supplies the live size/duration for the
	// currently open segment, read under the recording mutex by the
	// caller, replacing the stale DB snapshot (§4.6).
	LiveOverride func(fileID string) (sizeBytes int64, durationMs int64, ok bool)
}

type store struct {
	db *gorm.DB
}

// NewStore wraps a *gorm.DB (already scoped via DBConnector.DB(ctx)) as a
// Store.
func NewStore(db *gorm.DB) Store {
	return &store{db: db}
}

func (s *store) Insert(ctx context.Context, r *Recording) error {
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *store) UpdateLiveState(ctx context.Context, fileID string, sizeBytes, durationMs int64, participants []Participant) error {
	var tmp Recording
	if err := tmp.SetParticipants(participants); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&Recording{}).
		Where("file_id = ?", fileID).
		Updates(map[string]interface{}{
			"size_bytes":   sizeBytes,
			"duration_ms":  durationMs,
			"participants": tmp.ParticipantsJSON,
			"updated_at":   time.Now().UTC(),
		}).Error
}

func (s *store) Finalize(ctx context.Context, fileID string, end time.Time, durationMs, sizeBytes int64, waveforms []Waveform) error {
	var tmp Recording
	if err := tmp.SetWaveforms(waveforms); err != nil {
		return err
	}
	endUTC := end.UTC()
	return s.db.WithContext(ctx).Model(&Recording{}).
		Where("file_id = ?", fileID).
		Updates(map[string]interface{}{
			"is_open":     false,
			"end_utc":     endUTC,
			"duration_ms": durationMs,
			"size_bytes":  sizeBytes,
			"waveforms":   tmp.WaveformsJSON,
			"updated_at":  time.Now().UTC(),
		}).Error
}

func (s *store) Get(ctx context.Context, fileID string) (*Recording, error) {
	var r Recording
	err := s.db.WithContext(ctx).Where("file_id = ?", fileID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *store) Delete(ctx context.Context, fileID string) (*Recording, error) {
	r, err := s.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if r.IsOpen {
		return nil, ErrOpenSegment
	}
	if err := s.db.WithContext(ctx).Where("file_id = ?", fileID).Delete(&Recording{}).Error; err != nil {
		return nil, err
	}
	return r, nil
}

func (s *store) List(ctx context.Context, f ListFilter) ([]Recording, error) {
	q := s.db.WithContext(ctx).Model(&Recording{})
	if f.BotID != 0 {
		q = q.Where("bot_id = ?", f.BotID)
	}
	if f.From != nil {
		q = q.Where("start_utc >= ?", f.From.UTC())
	}
	if f.To != nil {
		to := endOfDayIfMidnight(*f.To)
		q = q.Where("start_utc <= ?", to)
	}

	var rows []Recording
	if err := q.Order("start_utc DESC").Find(&rows).Error; err != nil {
		return nil, err
	}

	uidTokens := splitLowerTokens(f.UID)
	nameTokens := splitLowerTokens(f.Name)

	filtered := rows[:0]
	for _, r := range rows {
		if matchesParticipantFilter(r.Participants(), uidTokens, nameTokens) {
			if f.LiveOverride != nil && r.IsOpen {
				if size, dur, ok := f.LiveOverride(r.FileID); ok {
					r.SizeBytes = size
					r.DurationMs = &dur
				}
			}
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func (s *store) ListParticipants(ctx context.Context, from, to *time.Time) ([]Participant, error) {
	rows, err := s.List(ctx, ListFilter{From: from, To: to})
	if err != nil {
		return nil, err
	}

	byUID := make(map[string]*Participant)
	var order []string
	for _, r := range rows {
		for _, p := range r.Participants() {
			key := strings.ToLower(p.UID)
			existing, ok := byUID[key]
			if !ok {
				cp := p
				byUID[key] = &cp
				order = append(order, key)
				continue
			}
			if existing.DisplayName == "" && p.DisplayName != "" {
				existing.DisplayName = p.DisplayName
			}
		}
	}

	out := make([]Participant, 0, len(order))
	for _, key := range order {
		out = append(out, *byUID[key])
	}
	sort.Slice(out, func(i, j int) bool {
		ni, nj := strings.ToLower(out[i].DisplayName), strings.ToLower(out[j].DisplayName)
		if ni != nj {
			return ni < nj
		}
		return strings.ToLower(out[i].UID) < strings.ToLower(out[j].UID)
	})
	return out, nil
}

func endOfDayIfMidnight(t time.Time) time.Time {
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
	}
	return t
}

func splitLowerTokens(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func matchesParticipantFilter(participants []Participant, uidTokens, nameTokens []string) bool {
	nameOK := len(nameTokens) == 0
	for _, p := range participants {
		if nameOK {
			break
		}
		lname := strings.ToLower(p.DisplayName)
		for _, tok := range nameTokens {
			if strings.Contains(lname, tok) {
				nameOK = true
				break
			}
		}
	}

	uidOK := len(uidTokens) == 0
	for _, p := range participants {
		if uidOK {
			break
		}
		luid := strings.ToLower(p.UID)
		for _, tok := range uidTokens {
			if luid == tok {
				uidOK = true
				break
			}
		}
	}

	return nameOK && uidOK
}
