package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAndQuerySecurityEvents(t *testing.T) {
	store := newTestStore(t)

	now := nowUnixMilli()
	subject := "fp-3f9a"

	require.NoError(t, store.LogSecurityEvent(SecurityEvent{
		EventType: EventNonceReplay,
		Subject:   &subject,
		Details:   `{"device":"d1"}`,
		Timestamp: now - 1_000,
	}))
	require.NoError(t, store.LogSecurityEvent(SecurityEvent{
		EventType: EventSignatureRejected,
		Subject:   &subject,
		Details:   `{"server":"s1"}`,
		Severity:  SecuritySeverityCritical,
		Timestamp: now,
	}))

	all, err := store.GetSecurityEvents(SecurityEventFilter{Subject: subject, Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, EventSignatureRejected, all[0].EventType)
	assert.Equal(t, ComponentServers, all[0].Component)
	assert.Equal(t, SecuritySeverityCritical, all[0].Severity, "explicit severity overrides the catalog")
	assert.Equal(t, EventNonceReplay, all[1].EventType)
	assert.Equal(t, ComponentAttest, all[1].Component)
	assert.Equal(t, SecuritySeverityCritical, all[1].Severity)

	filtered, err := store.GetSecurityEvents(SecurityEventFilter{
		Component: ComponentAttest,
		Subject:   subject,
		Limit:     10,
	})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, `{"device":"d1"}`, filtered[0].Details)
}

func TestLogSecurityEventValidation(t *testing.T) {
	store := newTestStore(t)

	require.Error(t, store.LogSecurityEvent(SecurityEvent{}))
	require.Error(t, store.LogSecurityEvent(SecurityEvent{EventType: "made_up"}))
	require.Error(t, store.LogSecurityEvent(SecurityEvent{EventType: EventAdminAuthFailed, Severity: "loud"}))
	require.Error(t, store.LogSecurityEvent(SecurityEvent{EventType: EventAdminAuthFailed, Details: "not json"}))

	blank := "   "
	require.NoError(t, store.LogSecurityEvent(SecurityEvent{
		EventType: EventAdminAuthFailed,
		Component: ComponentRelay,
		Subject:   &blank,
	}))

	events, err := store.GetSecurityEvents(SecurityEventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ComponentAdmin, events[0].Component, "component comes from the catalog")
	assert.Equal(t, SecuritySeverityWarning, events[0].Severity)
	assert.Equal(t, "{}", events[0].Details)
	assert.Nil(t, events[0].Subject)
}

func TestMaintainPrunesEventsPastRetention(t *testing.T) {
	store := newTestStore(t)
	store.SetSecurityEventRetention(time.Hour)

	now := time.Now()
	require.NoError(t, store.LogSecurityEvent(SecurityEvent{
		EventType: EventAttestationFailed,
		Details:   `{"state":"old"}`,
		Timestamp: now.Add(-2 * time.Hour).UnixMilli(),
	}))
	require.NoError(t, store.LogSecurityEvent(SecurityEvent{
		EventType: EventAttestationFailed,
		Details:   `{"state":"new"}`,
		Timestamp: now.UnixMilli(),
	}))

	events, err := store.GetSecurityEvents(SecurityEventFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, events, 2, "insert does not prune")

	report, err := store.Maintain()
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.PrunedSecurityEvents)

	events, err = store.GetSecurityEvents(SecurityEventFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"state":"new"}`, events[0].Details)
}

func TestSummarizeSecurityEvents(t *testing.T) {
	store := newTestStore(t)

	base := nowUnixMilli()
	for i, eventType := range []string{EventIdentitySpoof, EventIdentitySpoof, EventNonceReplay, EventAdminAuthFailed} {
		require.NoError(t, store.LogSecurityEvent(SecurityEvent{
			EventType: eventType,
			Timestamp: base + int64(i),
		}))
	}
	require.NoError(t, store.LogSecurityEvent(SecurityEvent{
		EventType: EventIdentitySpoof,
		Timestamp: base - 60_000,
	}))

	summary, err := store.SummarizeSecurityEvents(base)
	require.NoError(t, err)
	assert.Equal(t, []SecurityEventSummary{
		{Component: ComponentAdmin, EventType: EventAdminAuthFailed, Severity: SecuritySeverityWarning, Count: 1, LastSeen: base + 3},
		{Component: ComponentAttest, EventType: EventNonceReplay, Severity: SecuritySeverityCritical, Count: 1, LastSeen: base + 2},
		{Component: ComponentRelay, EventType: EventIdentitySpoof, Severity: SecuritySeverityWarning, Count: 2, LastSeen: base + 1},
	}, summary)

	all, err := store.SummarizeSecurityEvents(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[2].Count)
}

func TestNewSecurityEventEncodesDetails(t *testing.T) {
	store := newTestStore(t)

	event := NewSecurityEvent(EventIdentitySpoof, "fp-1", map[string]any{"conn": "c2"})
	require.NoError(t, store.LogSecurityEvent(event))

	events, err := store.GetSecurityEvents(SecurityEventFilter{EventType: EventIdentitySpoof})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"conn":"c2"}`, events[0].Details)
	require.NotNil(t, events[0].Subject)
	assert.Equal(t, "fp-1", *events[0].Subject)

	var _ SecurityLog = store
	var _ SecurityLog = NopSecurityLog{}
}
