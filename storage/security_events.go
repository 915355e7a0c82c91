package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetSecurityEventRetention sets how long events are kept. Expired events
// are pruned by the maintenance pass, not on insert.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.securityEventRetention = retention
}

// LogSecurityEvent records event. The type must be in the event catalog;
// component always comes from the catalog and severity defaults to it.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	spec, ok := LookupEventSpec(event.EventType)
	if !ok {
		return fmt.Errorf("unknown security event type %q", event.EventType)
	}
	event.Component = spec.Component
	if event.Severity == "" {
		event.Severity = spec.Severity
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}
	if event.Subject != nil {
		if trimmed := strings.TrimSpace(*event.Subject); trimmed != "" {
			event.Subject = &trimmed
		} else {
			event.Subject = nil
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (event_type, component, subject, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventType,
		event.Component,
		nullString(event.Subject),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record %s event: %w", event.EventType, err)
	}
	return nil
}

// GetSecurityEvents returns events newest first.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	where, args, err := filter.clauses()
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = 100
	case limit > 1000:
		limit = 1000
	}
	offset := max(filter.Offset, 0)

	q := `SELECT id, event_type, component, subject, details, severity, timestamp
		FROM security_events` + where + `
		ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.Query(q, append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		var (
			event   SecurityEvent
			subject sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.EventType, &event.Component, &subject, &event.Details, &event.Severity, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		event.Subject = stringPtr(subject)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security events: %w", err)
	}
	return events, nil
}

// SummarizeSecurityEvents counts events at or after since (unix ms), per
// component, type and severity. since <= 0 covers everything retained.
func (s *Store) SummarizeSecurityEvents(since int64) ([]SecurityEventSummary, error) {
	rows, err := s.db.Query(
		`SELECT component, event_type, severity, COUNT(*), MAX(timestamp)
		FROM security_events
		WHERE timestamp >= ?
		GROUP BY component, event_type, severity
		ORDER BY component, event_type, severity`,
		max(since, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("summarize security events: %w", err)
	}
	defer rows.Close()

	out := make([]SecurityEventSummary, 0)
	for rows.Next() {
		var sum SecurityEventSummary
		if err := rows.Scan(&sum.Component, &sum.EventType, &sum.Severity, &sum.Count, &sum.LastSeen); err != nil {
			return nil, fmt.Errorf("scan security event summary: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event summary: %w", err)
	}
	return out, nil
}

// PruneSecurityEvents removes events older than cutoff (unix ms).
func (s *Store) PruneSecurityEvents(cutoff int64) (int64, error) {
	if cutoff <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}
	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}

func (f SecurityEventFilter) clauses() (string, []any, error) {
	if f.Severity != "" {
		if err := validateSecuritySeverity(f.Severity); err != nil {
			return "", nil, err
		}
	}

	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.EventType != "" {
		add("event_type = ?", f.EventType)
	}
	if f.Component != "" {
		add("component = ?", f.Component)
	}
	if f.Subject != "" {
		add("subject = ?", f.Subject)
	}
	if f.Severity != "" {
		add("severity = ?", f.Severity)
	}
	if f.FromTimestamp != nil {
		add("timestamp >= ?", *f.FromTimestamp)
	}
	if f.ToTimestamp != nil {
		add("timestamp <= ?", *f.ToTimestamp)
	}
	if len(where) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(where, " AND "), args, nil
}

// SecurityLog records security events. *Store implements it.
type SecurityLog interface {
	LogSecurityEvent(event SecurityEvent) error
}

// NopSecurityLog discards events.
type NopSecurityLog struct{}

// LogSecurityEvent implements SecurityLog.
func (NopSecurityLog) LogSecurityEvent(SecurityEvent) error { return nil }

// NewSecurityEvent builds a catalog event with JSON-encoded details. subject
// may be empty.
func NewSecurityEvent(eventType, subject string, details map[string]any) SecurityEvent {
	event := SecurityEvent{EventType: eventType, Details: "{}"}
	if subject != "" {
		event.Subject = &subject
	}
	if len(details) > 0 {
		if raw, err := json.Marshal(details); err == nil {
			event.Details = string(raw)
		}
	}
	return event
}
