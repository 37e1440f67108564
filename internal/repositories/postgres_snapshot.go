package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-relay/internal/models"
)

// PostgresSnapshotRepo is a sqlx-backed snapshot repository.
type PostgresSnapshotRepo struct {
	db *sqlx.DB
}

// NewPostgresSnapshotRepo constructs PostgresSnapshotRepo.
func NewPostgresSnapshotRepo(db *sqlx.DB) *PostgresSnapshotRepo {
	return &PostgresSnapshotRepo{db: db}
}

type roomRow struct {
	ID           string         `db:"id"`
	Kind         string         `db:"kind"`
	Name         string         `db:"name"`
	Participants pq.StringArray `db:"participants"`
	GroupInfo    []byte         `db:"group_info"`
	CreatedAt    time.Time      `db:"created_at"`
	LastActivity time.Time      `db:"last_activity"`
}

type messageRow struct {
	RoomID    string    `db:"room_id"`
	ID        string    `db:"id"`
	ClientID  string    `db:"client_id"`
	SenderID  string    `db:"sender_id"`
	Text      string    `db:"text"`
	CreatedAt time.Time `db:"created_at"`
	Status    string    `db:"status"`
	IsDeleted bool      `db:"is_deleted"`
	ReplyTo   []byte    `db:"reply_to"`
	Reactions []byte    `db:"reactions"`
	Media     []byte    `db:"media"`
}

// LoadRoomSnapshot reads a room and its ordered messages.
func (r *PostgresSnapshotRepo) LoadRoomSnapshot(ctx context.Context, roomID string) (models.Snapshot, error) {
	var row roomRow
	err := r.db.GetContext(ctx, &row, `SELECT id, kind, name, participants, group_info, created_at, last_activity FROM rooms WHERE id=$1`, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("load room %s: %w", roomID, err)
	}
	room, err := row.toModel()
	if err != nil {
		return models.Snapshot{}, err
	}

	var rows []messageRow
	err = r.db.SelectContext(ctx, &rows, `SELECT room_id, id, client_id, sender_id, text, created_at, status, is_deleted, reply_to, reactions, media
        FROM room_messages
        WHERE room_id=$1
        ORDER BY created_at ASC, sender_id ASC, id ASC`, roomID)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("load messages %s: %w", roomID, err)
	}
	msgs := make([]models.Message, 0, len(rows))
	for _, mr := range rows {
		msg, err := mr.toModel()
		if err != nil {
			return models.Snapshot{}, err
		}
		msgs = append(msgs, msg)
	}
	return models.Snapshot{Room: room, Messages: msgs}, nil
}

// SaveRoomSnapshot replaces the stored room and its messages in one
// transaction.
func (r *PostgresSnapshotRepo) SaveRoomSnapshot(ctx context.Context, snap models.Snapshot) error {
	var groupInfo []byte
	if snap.Room.GroupInfo != nil {
		b, err := json.Marshal(snap.Room.GroupInfo)
		if err != nil {
			return err
		}
		groupInfo = b
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO rooms (id, kind, name, participants, group_info, created_at, last_activity)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET kind=EXCLUDED.kind, name=EXCLUDED.name, participants=EXCLUDED.participants,
            group_info=EXCLUDED.group_info, last_activity=EXCLUDED.last_activity`,
		snap.Room.ID, string(snap.Room.Kind), snap.Room.Name, pq.StringArray(snap.Room.Participants), groupInfo,
		snap.Room.CreatedAt, snap.Room.LastActivity)
	if err != nil {
		return fmt.Errorf("upsert room %s: %w", snap.Room.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM room_messages WHERE room_id=$1`, snap.Room.ID); err != nil {
		return fmt.Errorf("clear messages %s: %w", snap.Room.ID, err)
	}
	for _, msg := range snap.Messages {
		row, err := messageRowFrom(snap.Room.ID, msg)
		if err != nil {
			return err
		}
		_, err = tx.NamedExecContext(ctx, `INSERT INTO room_messages
            (room_id, id, client_id, sender_id, text, created_at, status, is_deleted, reply_to, reactions, media)
            VALUES (:room_id, :id, :client_id, :sender_id, :text, :created_at, :status, :is_deleted, :reply_to, :reactions, :media)`, row)
		if err != nil {
			return fmt.Errorf("insert message %s: %w", msg.ID, err)
		}
	}
	return tx.Commit()
}

func (r *PostgresSnapshotRepo) Close() error {
	return r.db.Close()
}

func (row roomRow) toModel() (models.Room, error) {
	room := models.Room{
		ID:           row.ID,
		Kind:         models.RoomKind(row.Kind),
		Name:         row.Name,
		Participants: []string(row.Participants),
		CreatedAt:    row.CreatedAt,
		LastActivity: row.LastActivity,
	}
	if len(row.GroupInfo) > 0 {
		var gi models.GroupInfo
		if err := json.Unmarshal(row.GroupInfo, &gi); err != nil {
			return models.Room{}, fmt.Errorf("decode group info %s: %w", row.ID, err)
		}
		room.GroupInfo = &gi
	}
	return room, nil
}

func messageRowFrom(roomID string, msg models.Message) (messageRow, error) {
	row := messageRow{
		RoomID:    roomID,
		ID:        msg.ID,
		ClientID:  msg.ClientID,
		SenderID:  msg.SenderID,
		Text:      msg.Text,
		CreatedAt: msg.CreatedAt,
		Status:    string(msg.Status),
		IsDeleted: msg.IsDeleted,
	}
	var err error
	if msg.ReplyTo != nil {
		if row.ReplyTo, err = json.Marshal(msg.ReplyTo); err != nil {
			return messageRow{}, err
		}
	}
	reactions := msg.Reactions
	if reactions == nil {
		reactions = []models.Reaction{}
	}
	if row.Reactions, err = json.Marshal(reactions); err != nil {
		return messageRow{}, err
	}
	if msg.Media != nil {
		if row.Media, err = json.Marshal(msg.Media); err != nil {
			return messageRow{}, err
		}
	}
	return row, nil
}

func (row messageRow) toModel() (models.Message, error) {
	msg := models.Message{
		ID:        row.ID,
		ClientID:  row.ClientID,
		RoomID:    row.RoomID,
		SenderID:  row.SenderID,
		Text:      row.Text,
		CreatedAt: row.CreatedAt,
		Status:    models.Status(row.Status),
		IsDeleted: row.IsDeleted,
		Reactions: []models.Reaction{},
	}
	if len(row.ReplyTo) > 0 {
		msg.ReplyTo = &models.ReplyRef{}
		if err := json.Unmarshal(row.ReplyTo, msg.ReplyTo); err != nil {
			return models.Message{}, fmt.Errorf("decode reply %s: %w", row.ID, err)
		}
	}
	if len(row.Reactions) > 0 {
		if err := json.Unmarshal(row.Reactions, &msg.Reactions); err != nil {
			return models.Message{}, fmt.Errorf("decode reactions %s: %w", row.ID, err)
		}
	}
	if len(row.Media) > 0 {
		msg.Media = &models.Media{}
		if err := json.Unmarshal(row.Media, msg.Media); err != nil {
			return models.Message{}, fmt.Errorf("decode media %s: %w", row.ID, err)
		}
	}
	return msg, nil
}
