package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gantry/pkg/models"
)

// SessionFilter narrows session queries. Zero values mean "any".
type SessionFilter struct {
	// FeatureID filters by feature when positive.
	FeatureID int
	// Track filters by track name when non-empty.
	Track string
	// Status filters by session status when non-empty.
	Status models.SessionStatus
}

// SessionUpdate holds the fields UpdateSession may change. Nil pointers
// leave the stored value untouched.
type SessionUpdate struct {
	Status       *models.SessionStatus
	FinishedAt   *time.Time
	DurationMs   *int64
	Output       *string
	Messages     []models.AgentMessage
	Error        *string
	AgentUsed    *models.AgentName
	ExtraContext *string
}

// CreateSession appends a new session record.
func (db *DB) CreateSession(s *models.Session) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	messages, err := json.Marshal(s.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	var finished interface{}
	if s.FinishedAt != nil {
		finished = formatTime(*s.FinishedAt)
	}

	_, err = db.conn.Exec(`
		INSERT INTO sessions (id, feature_id, track, branch, status, started_at,
			finished_at, duration_ms, prompt, extra_context, output, messages, error, agent_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.FeatureID, s.Track, s.Branch, string(s.Status), formatTime(s.StartedAt),
		finished, s.DurationMs, s.Prompt, s.ExtraContext, s.Output, string(messages), s.Error, string(s.AgentUsed))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession updates a session in place. Only non-nil fields change.
func (db *DB) UpdateSession(id string, upd SessionUpdate) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	set := ""
	var args []interface{}
	add := func(col string, val interface{}) {
		if set != "" {
			set += ", "
		}
		set += col + " = ?"
		args = append(args, val)
	}

	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.FinishedAt != nil {
		add("finished_at", formatTime(*upd.FinishedAt))
	}
	if upd.DurationMs != nil {
		add("duration_ms", *upd.DurationMs)
	}
	if upd.Output != nil {
		add("output", *upd.Output)
	}
	if upd.Messages != nil {
		messages, err := json.Marshal(upd.Messages)
		if err != nil {
			return fmt.Errorf("marshal messages: %w", err)
		}
		add("messages", string(messages))
	}
	if upd.Error != nil {
		add("error", *upd.Error)
	}
	if upd.AgentUsed != nil {
		add("agent_used", string(*upd.AgentUsed))
	}
	if upd.ExtraContext != nil {
		add("extra_context", *upd.ExtraContext)
	}

	if set == "" {
		return nil
	}

	args = append(args, id)
	result, err := db.conn.Exec("UPDATE sessions SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

const sessionColumns = `id, feature_id, track, branch, status, started_at,
	finished_at, duration_ms, prompt, extra_context, output, messages, error, agent_used`

// GetSession returns a single session by id.
func (db *DB) GetSession(id string) (*models.Session, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return s, err
}

// GetLatestSessionForFeature returns the most recently started session for a
// feature, or nil if none exists.
func (db *DB) GetLatestSessionForFeature(featureID int) (*models.Session, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRow(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE feature_id = ? ORDER BY started_at DESC LIMIT 1
	`, featureID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// GetSessions returns sessions matching the filter, most recent first.
// limit <= 0 means no limit.
func (db *DB) GetSessions(filter SessionFilter, limit, offset int) ([]*models.Session, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	where, args := filter.clause()
	query := "SELECT " + sessionColumns + " FROM sessions" + where + " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// GetSessionCount returns the number of sessions matching the filter.
func (db *DB) GetSessionCount(filter SessionFilter) (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	where, args := filter.clause()
	var count int
	row := db.conn.QueryRow("SELECT COUNT(*) FROM sessions"+where, args...)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

// clause builds the WHERE clause for a filter.
func (f SessionFilter) clause() (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.FeatureID > 0 {
		conds = append(conds, "feature_id = ?")
		args = append(args, f.FeatureID)
	}
	if f.Track != "" {
		conds = append(conds, "track = ?")
		args = append(args, f.Track)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conds) == 0 {
		return "", nil
	}
	where := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanSession reads one session row.
func scanSession(row scanner) (*models.Session, error) {
	var (
		s          models.Session
		status     string
		startedAt  string
		finishedAt sql.NullString
		messages   string
		agentUsed  string
	)

	err := row.Scan(&s.ID, &s.FeatureID, &s.Track, &s.Branch, &status, &startedAt,
		&finishedAt, &s.DurationMs, &s.Prompt, &s.ExtraContext, &s.Output, &messages, &s.Error, &agentUsed)
	if err != nil {
		return nil, err
	}

	s.Status = models.SessionStatus(status)
	s.AgentUsed = models.AgentName(agentUsed)

	t, err := parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	s.StartedAt = t
	s.FinishedAt = parseNullableTime(finishedAt)

	if err := json.Unmarshal([]byte(messages), &s.Messages); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}

	return &s, nil
}
