package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/planning-poker/go/internal/models"
	"github.com/mcdev12/planning-poker/go/internal/sqlutil"
	"github.com/sqlc-dev/pqtype"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ---------- Rooms ----------

// SaveRoom upserts the room row. created_at is only written on insert.
func (s *Store) SaveRoom(ctx context.Context, room models.Room) error {
	createdAt := room.CreatedAt
	if createdAt.IsZero() {
		createdAt = room.LastActivity
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO rooms (id, created_at, last_activity, revealed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			last_activity = EXCLUDED.last_activity,
			revealed = EXCLUDED.revealed`),
		room.ID, sqlutil.ToMillis(createdAt), sqlutil.ToMillis(room.LastActivity), room.Revealed,
	)
	if err != nil {
		return fmt.Errorf("failed to save room %s: %w", room.ID, err)
	}
	return nil
}

// ensureRoom inserts a bare room row if none exists yet, leaving an existing row untouched.
func (s *Store) ensureRoom(ctx context.Context, ex execer, roomID string, now time.Time) error {
	ms := sqlutil.ToMillis(now)
	_, err := ex.ExecContext(ctx, s.q(`
		INSERT INTO rooms (id, created_at, last_activity, revealed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`),
		roomID, ms, ms, false,
	)
	if err != nil {
		return fmt.Errorf("failed to ensure room %s: %w", roomID, err)
	}
	return nil
}

// LoadRoom returns ErrNotFound when the room has never been saved.
func (s *Store) LoadRoom(ctx context.Context, roomID string) (*models.Room, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, created_at, last_activity, revealed
		FROM rooms WHERE id = $1`), roomID)

	var (
		r                     models.Room
		createdAt, lastActive int64
	)
	if err := row.Scan(&r.ID, &createdAt, &lastActive, &r.Revealed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load room %s: %w", roomID, err)
	}
	r.CreatedAt = sqlutil.FromMillis(createdAt)
	r.LastActivity = sqlutil.FromMillis(lastActive)
	return &r, nil
}

// ---------- Participants ----------

// SaveParticipant upserts a participant, creating the parent room row first if needed.
// joined_at keeps the value from the first insert.
func (s *Store) SaveParticipant(ctx context.Context, roomID string, p models.Participant) error {
	now := p.LastSeen
	if now.IsZero() {
		now = time.Now()
	}
	joinedAt := p.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = now
	}

	err := sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.ensureRoom(ctx, tx, roomID, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO participants (id, room_id, name, session_token, current_vote, joined_at, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				session_token = EXCLUDED.session_token,
				current_vote = EXCLUDED.current_vote,
				last_seen = EXCLUDED.last_seen`),
			p.ID, roomID, p.Name, p.SessionToken, sqlutil.ToSqlString(p.Vote),
			sqlutil.ToMillis(joinedAt), sqlutil.ToMillis(now),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save participant %s: %w", p.ID, err)
	}
	return nil
}

// LoadParticipants returns every persisted participant of the room in join order.
func (s *Store) LoadParticipants(ctx context.Context, roomID string) ([]models.Participant, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, name, session_token, current_vote, joined_at, last_seen
		FROM participants WHERE room_id = $1
		ORDER BY joined_at, id`), roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load participants for room %s: %w", roomID, err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var (
			p                  models.Participant
			vote               sql.NullString
			joinedAt, lastSeen int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.SessionToken, &vote, &joinedAt, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		p.Vote = sqlutil.FromSqlStringPtr(vote)
		p.JoinedAt = sqlutil.FromMillis(joinedAt)
		p.LastSeen = sqlutil.FromMillis(lastSeen)
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate participants: %w", err)
	}
	return participants, nil
}

// DeleteInactiveParticipants removes the room's participants not seen since before.
func (s *Store) DeleteInactiveParticipants(ctx context.Context, roomID string, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM participants WHERE room_id = $1 AND last_seen < $2`),
		roomID, sqlutil.ToMillis(before),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete inactive participants for room %s: %w", roomID, err)
	}
	return res.RowsAffected()
}

// SweepInactiveParticipants removes participants of every room not seen since before.
// Rooms and round history are never touched.
func (s *Store) SweepInactiveParticipants(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM participants WHERE last_seen < $1`),
		sqlutil.ToMillis(before),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep inactive participants: %w", err)
	}
	return res.RowsAffected()
}

// ---------- Round history ----------

// AppendRoundHistory records a revealed round. Writing the same (room, round id)
// twice keeps the first entry.
func (s *Store) AppendRoundHistory(ctx context.Context, roomID string, entry models.RoundHistoryEntry) error {
	votes, err := json.Marshal(entry.Votes)
	if err != nil {
		return fmt.Errorf("failed to marshal votes: %w", err)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	err = sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.ensureRoom(ctx, tx, roomID, ts); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO round_history (id, room_id, round_id, votes_json, participant_count, winning_card, winner_name, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (room_id, round_id) DO NOTHING`),
			uuid.NewString(), roomID, entry.RoundID,
			pqtype.NullRawMessage{RawMessage: votes, Valid: true},
			entry.ParticipantCount, entry.WinningCard, sqlutil.ToSqlString(entry.WinnerName),
			sqlutil.ToMillis(ts),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to append round %s: %w", entry.RoundID, err)
	}
	return nil
}

// LoadRoundHistory returns the room's rounds, newest first.
func (s *Store) LoadRoundHistory(ctx context.Context, roomID string) ([]models.RoundHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT round_id, votes_json, participant_count, winning_card, winner_name, timestamp
		FROM round_history WHERE room_id = $1
		ORDER BY timestamp DESC, round_id DESC`), roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load round history for room %s: %w", roomID, err)
	}
	defer rows.Close()

	history := []models.RoundHistoryEntry{}
	for rows.Next() {
		var (
			e      models.RoundHistoryEntry
			votes  pqtype.NullRawMessage
			winner sql.NullString
			ts     int64
		)
		if err := rows.Scan(&e.RoundID, &votes, &e.ParticipantCount, &e.WinningCard, &winner, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan round history: %w", err)
		}
		if votes.Valid && len(votes.RawMessage) > 0 {
			if err := json.Unmarshal(votes.RawMessage, &e.Votes); err != nil {
				return nil, fmt.Errorf("failed to decode votes for round %s: %w", e.RoundID, err)
			}
		}
		e.WinnerName = sqlutil.FromSqlStringPtr(winner)
		e.Timestamp = sqlutil.FromMillis(ts)
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate round history: %w", err)
	}
	return history, nil
}
