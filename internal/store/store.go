// Package store persists rooms, their transcripts, responders and per-user
// provider credentials.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/parley/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrRoomNotFound      = errors.New("store: room not found")
	ErrResponderNotFound = errors.New("store: responder not found")
	ErrInvalid           = errors.New("store: invalid record")
)

// RoomStore is the persistence contract the scheduler relies on. Writers are
// serialized per room by the caller; the store itself makes no promise about
// concurrent SaveRoom calls for the same room.
type RoomStore interface {
	LoadRoom(ctx context.Context, id string) (*models.Room, error)
	SaveRoom(ctx context.Context, room *models.Room) error
}

// GormStore implements RoomStore and the administrative operations on top of
// a GORM connection (SQLite or MySQL).
type GormStore struct {
	db *gorm.DB
}

// New creates a GormStore.
func New(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &GormStore{db: db}, nil
}

// LoadRoom returns the room with its full transcript (ordered by sequence)
// and roster.
func (s *GormStore) LoadRoom(ctx context.Context, id string) (*models.Room, error) {
	var room models.Room
	err := s.db.WithContext(ctx).
		Preload("Messages", func(tx *gorm.DB) *gorm.DB { return tx.Order("sequence ASC") }).
		Preload("Responders", func(tx *gorm.DB) *gorm.DB { return tx.Order("name ASC") }).
		First(&room, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load room %s: %w", id, err)
	}
	return &room, nil
}

// SaveRoom writes the room's scheduler-owned fields and inserts any
// transcript entries that have not been persisted yet (ID == 0). Existing
// messages are never rewritten. The roster is not touched.
func (s *GormStore) SaveRoom(ctx context.Context, room *models.Room) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":               room.Status,
			"generating":           room.Generating,
			"responder_turn_count": room.ResponderTurnCount,
			"cap_announced":        room.CapAnnounced,
			"next_turn_at":         room.NextTurnAt,
			"updated_at":           time.Now(),
		}
		if err := tx.Model(&models.Room{}).Where("id = ?", room.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update room: %w", err)
		}

		// New messages are always a suffix of the transcript.
		first := len(room.Messages)
		for first > 0 && room.Messages[first-1].ID == 0 {
			first--
		}
		for i := first; i < len(room.Messages); i++ {
			msg := &room.Messages[i]
			msg.RoomID = room.ID
			if err := tx.Create(msg).Error; err != nil {
				return fmt.Errorf("append message %d: %w", msg.Sequence, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: save room %s: %w", room.ID, err)
	}
	return nil
}

// CreateRoom inserts a new active room and attaches the given responders.
func (s *GormStore) CreateRoom(ctx context.Context, room *models.Room, responderIDs []string) error {
	room.Name = strings.TrimSpace(room.Name)
	room.Topic = strings.TrimSpace(room.Topic)
	if room.Name == "" {
		return fmt.Errorf("%w: room name is required", ErrInvalid)
	}
	if room.Topic == "" {
		return fmt.Errorf("%w: room topic is required", ErrInvalid)
	}
	if room.TurnIntervalSeconds < 0 {
		return fmt.Errorf("%w: turn interval must not be negative", ErrInvalid)
	}
	if room.MaxResponderTurns != nil && *room.MaxResponderTurns < 0 {
		return fmt.Errorf("%w: max responder turns must not be negative", ErrInvalid)
	}
	if room.SentenceCount != nil && *room.SentenceCount <= 0 {
		return fmt.Errorf("%w: sentence count must be positive", ErrInvalid)
	}
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	if room.TurnIntervalSeconds == 0 {
		room.TurnIntervalSeconds = 60
	}
	room.Status = models.RoomActive
	room.Generating = false
	room.ResponderTurnCount = 0
	room.CapAnnounced = false
	room.Messages = nil
	room.Responders = nil

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(room).Error; err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		if len(responderIDs) == 0 {
			return nil
		}
		var roster []models.Responder
		if err := tx.Where("id IN ?", responderIDs).Find(&roster).Error; err != nil {
			return fmt.Errorf("find responders: %w", err)
		}
		if len(roster) != len(uniq(responderIDs)) {
			return fmt.Errorf("%w: one of %v", ErrResponderNotFound, responderIDs)
		}
		if err := tx.Model(room).Association("Responders").Append(roster); err != nil {
			return fmt.Errorf("attach responders: %w", err)
		}
		room.Responders = roster
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: create room %q: %w", room.Name, err)
	}
	return nil
}

// ListRooms returns all rooms without transcripts, newest first.
func (s *GormStore) ListRooms(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	if err := s.db.WithContext(ctx).Preload("Responders").Order("created_at DESC").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("store: list rooms: %w", err)
	}
	return rooms, nil
}

// AttachResponder adds a responder to a room's roster. Attaching twice is a
// no-op.
func (s *GormStore) AttachResponder(ctx context.Context, roomID, responderID string) error {
	db := s.db.WithContext(ctx)
	room := models.Room{ID: roomID}
	if err := db.Select("id").First(&room, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
		}
		return fmt.Errorf("store: attach responder: %w", err)
	}
	var resp models.Responder
	if err := db.First(&resp, "id = ?", responderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrResponderNotFound, responderID)
		}
		return fmt.Errorf("store: attach responder: %w", err)
	}
	if err := db.Model(&room).Association("Responders").Append(&resp); err != nil {
		return fmt.Errorf("store: attach responder %s to %s: %w", responderID, roomID, err)
	}
	return nil
}

// CreateResponder inserts a responder after basic validation. Model
// allow-lists are enforced by the caller, which owns provider config.
func (s *GormStore) CreateResponder(ctx context.Context, r *models.Responder) error {
	r.Name = strings.TrimSpace(r.Name)
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: responder name is required", ErrInvalid)
	case strings.EqualFold(r.Name, models.SystemSender):
		return fmt.Errorf("%w: responder name %q is reserved", ErrInvalid, r.Name)
	case !r.Provider.Valid():
		return fmt.Errorf("%w: unsupported provider %q", ErrInvalid, r.Provider)
	case r.Model == "":
		return fmt.Errorf("%w: model is required", ErrInvalid)
	case strings.TrimSpace(r.Personality) == "":
		return fmt.Errorf("%w: personality is required", ErrInvalid)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("store: create responder %q: %w", r.Name, err)
	}
	return nil
}

// ListResponders returns all responders ordered by name.
func (s *GormStore) ListResponders(ctx context.Context) ([]models.Responder, error) {
	var out []models.Responder
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list responders: %w", err)
	}
	return out, nil
}

// SetCredential stores (or replaces) a user's provider keys.
func (s *GormStore) SetCredential(ctx context.Context, c models.Credential) error {
	if c.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	c.UpdatedAt = time.Now()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"openai_key", "anthropic_key", "updated_at"}),
	}).Create(&c).Error
	if err != nil {
		return fmt.Errorf("store: set credential for %s: %w", c.UserID, err)
	}
	return nil
}

// Credential returns a user's stored keys. A user with no record gets a
// zero Credential and no error.
func (s *GormStore) Credential(ctx context.Context, userID string) (models.Credential, error) {
	var c models.Credential
	err := s.db.WithContext(ctx).First(&c, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Credential{UserID: userID}, nil
	}
	if err != nil {
		return models.Credential{}, fmt.Errorf("store: credential for %s: %w", userID, err)
	}
	return c, nil
}

// GeneratingRoomIDs lists rooms whose persisted single-flight guard is set.
func (s *GormStore) GeneratingRoomIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&models.Room{}).Where("generating = ?", true).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("store: generating rooms: %w", err)
	}
	return ids, nil
}

// ClearGenerating resets a room's persisted guard and schedule without
// loading it.
func (s *GormStore) ClearGenerating(ctx context.Context, roomID string) error {
	err := s.db.WithContext(ctx).Model(&models.Room{}).
		Where("id = ?", roomID).
		Updates(map[string]interface{}{"generating": false, "next_turn_at": nil}).Error
	if err != nil {
		return fmt.Errorf("store: clear generating %s: %w", roomID, err)
	}
	return nil
}

func uniq(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
