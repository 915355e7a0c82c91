package storage

import (
	"database/sql"
	"fmt"
	"time"

	ds "github.com/ipfs/go-datastore"
)

var (
	// ErrNotFound indicates a requested key does not exist. It is the
	// datastore sentinel so callers of either interface can match it.
	ErrNotFound = ds.ErrNotFound
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// Components that record security events.
const (
	ComponentRelay   = "relay"
	ComponentAttest  = "attest"
	ComponentServers = "servers"
	ComponentAdmin   = "admin"
)

// Security event types recorded by the coordination actors.
const (
	EventIdentitySpoof      = "identity_spoof_rejected"
	EventNonceReplay        = "nonce_replay_rejected"
	EventBuildTokenRejected = "build_token_rejected"
	EventAttestationFailed  = "attestation_failed"
	EventSignatureRejected  = "signature_rejected"
	EventAdminAuthFailed    = "admin_auth_failed"
)

// EventSpec is the owning component and default severity of an event type.
type EventSpec struct {
	Component string
	Severity  string
}

// eventCatalog lists every event type the store accepts.
var eventCatalog = map[string]EventSpec{
	EventIdentitySpoof:      {Component: ComponentRelay, Severity: SecuritySeverityWarning},
	EventNonceReplay:        {Component: ComponentAttest, Severity: SecuritySeverityCritical},
	EventBuildTokenRejected: {Component: ComponentAttest, Severity: SecuritySeverityWarning},
	EventAttestationFailed:  {Component: ComponentAttest, Severity: SecuritySeverityWarning},
	EventSignatureRejected:  {Component: ComponentServers, Severity: SecuritySeverityWarning},
	EventAdminAuthFailed:    {Component: ComponentAdmin, Severity: SecuritySeverityWarning},
}

// LookupEventSpec returns the catalog entry for eventType.
func LookupEventSpec(eventType string) (EventSpec, bool) {
	spec, ok := eventCatalog[eventType]
	return spec, ok
}

// SecurityEvent is one rejected or suspicious client action. Subject is a
// peer, device or server id, or a fingerprint when the subject is a
// credential.
type SecurityEvent struct {
	ID        int64   `json:"id"`
	EventType string  `json:"event_type"`
	Component string  `json:"component"`
	Subject   *string `json:"subject,omitempty"`
	Details   string  `json:"details"`
	Severity  string  `json:"severity"`
	Timestamp int64   `json:"timestamp"`
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	Component     string
	Subject       string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

// SecurityEventSummary counts events of one type and severity.
type SecurityEventSummary struct {
	Component string `json:"component"`
	EventType string `json:"event_type"`
	Severity  string `json:"severity"`
	Count     int64  `json:"count"`
	LastSeen  int64  `json:"last_seen"`
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
