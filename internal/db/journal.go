package db

import (
	"database/sql"
	"fmt"
	"strings"
)

// SessionRecord is one acquisition session.
type SessionRecord struct {
	SessionID       string  `json:"session_id"`
	RunID           string  `json:"run_id"`
	Mode            string  `json:"mode"`
	StartedAt       float64 `json:"started_at"`
	EndedAt         float64 `json:"ended_at,omitempty"`
	EndStatus       string  `json:"end_status,omitempty"`
	Windows         int64   `json:"windows"`
	Hits            int64   `json:"hits"`
	IntegrationTime float64 `json:"integration_time"`
}

// CommandRecord is one command received on the command channel together
// with the replies it produced.
type CommandRecord struct {
	ID        int64    `json:"command_id"`
	Command   string   `json:"command"`
	Replies   []string `json:"replies"`
	ModeAfter string   `json:"mode_after"`
	Timestamp float64  `json:"timestamp"`
}

// EventRecord is one beam event.
type EventRecord struct {
	ID             int64   `json:"event_id"`
	SessionID      string  `json:"session_id,omitempty"`
	Kind           string  `json:"kind"`
	WindowEnd      float64 `json:"window_end"`
	RateHz         float64 `json:"rate_hz"`
	MedianRateHz   float64 `json:"median_rate_hz"`
	BaselineHz     float64 `json:"baseline_hz"`
	DisplacementMM float64 `json:"displacement_mm"`
	Message        string  `json:"message"`
	Timestamp      float64 `json:"timestamp"`
}

// StartSession inserts an open session.
func (db *DB) StartSession(s SessionRecord) error {
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, run_id, mode, started_at, integration_time)
		 VALUES (?, ?, ?, ?, ?)`,
		s.SessionID, s.RunID, s.Mode, s.StartedAt, s.IntegrationTime,
	)
	if err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	return nil
}

// EndSession closes a session with its final counters.
func (db *DB) EndSession(sessionID, status string, endedAt float64, windows, hits uint64) error {
	res, err := db.Exec(
		`UPDATE sessions SET ended_at = ?, end_status = ?, windows = ?, hits = ?
		 WHERE session_id = ?`,
		endedAt, status, int64(windows), int64(hits), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(limit int) ([]SessionRecord, error) {
	rows, err := db.Query(
		`SELECT session_id, run_id, mode, started_at, ended_at, end_status,
		        windows, hits, integration_time
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			s           SessionRecord
			endedAt     sql.NullFloat64
			endStatus   sql.NullString
			integration sql.NullFloat64
		)
		if err := rows.Scan(&s.SessionID, &s.RunID, &s.Mode, &s.StartedAt, &endedAt,
			&endStatus, &s.Windows, &s.Hits, &integration); err != nil {
			return nil, err
		}
		s.EndedAt = endedAt.Float64
		s.EndStatus = endStatus.String
		s.IntegrationTime = integration.Float64
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecordCommand stores a command and its replies and returns its id.
func (db *DB) RecordCommand(c CommandRecord) (int64, error) {
	res, err := db.Exec(
		`INSERT INTO commands (command, replies, mode_after, timestamp) VALUES (?, ?, ?, ?)`,
		c.Command, strings.Join(c.Replies, "\n"), c.ModeAfter, c.Timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record command: %w", err)
	}
	return res.LastInsertId()
}

// RecentCommands returns the latest commands, newest first.
func (db *DB) RecentCommands(limit int) ([]CommandRecord, error) {
	rows, err := db.Query(
		`SELECT command_id, command, replies, mode_after, timestamp
		 FROM commands ORDER BY command_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var (
			c         CommandRecord
			replies   sql.NullString
			modeAfter sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Command, &replies, &modeAfter, &c.Timestamp); err != nil {
			return nil, err
		}
		if replies.String != "" {
			c.Replies = strings.Split(replies.String, "\n")
		}
		c.ModeAfter = modeAfter.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordEvent stores a beam event and returns its id.
func (db *DB) RecordEvent(e EventRecord) (int64, error) {
	var session sql.NullString
	if e.SessionID != "" {
		session = sql.NullString{String: e.SessionID, Valid: true}
	}
	res, err := db.Exec(
		`INSERT INTO events (session_id, kind, window_end, rate_hz, median_rate_hz,
		                     baseline_hz, displacement_mm, message, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session, e.Kind, e.WindowEnd, e.RateHz, e.MedianRateHz,
		e.BaselineHz, e.DisplacementMM, e.Message, e.Timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record event: %w", err)
	}
	return res.LastInsertId()
}

// Events returns the latest events, newest first. An empty sessionID
// selects events from every session.
func (db *DB) Events(sessionID string, limit int) ([]EventRecord, error) {
	query := `SELECT event_id, session_id, kind, window_end, rate_hz, median_rate_hz,
	                 baseline_hz, displacement_mm, message, timestamp
	          FROM events`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY event_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			e       EventRecord
			session sql.NullString
			message sql.NullString
		)
		if err := rows.Scan(&e.ID, &session, &e.Kind, &e.WindowEnd, &e.RateHz, &e.MedianRateHz,
			&e.BaselineHz, &e.DisplacementMM, &message, &e.Timestamp); err != nil {
			return nil, err
		}
		e.SessionID = session.String
		e.Message = message.String
		out = append(out, e)
	}
	return out, rows.Err()
}
