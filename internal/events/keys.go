package events

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// IdempotencyKey is a stable digest of an event's identity. Redeliveries and republished copies of the
// same logical event map to the same key.
func IdempotencyKey(eventType string, parts ...string) string {
	var b strings.Builder
	b.WriteString(eventType)
	for _, p := range parts {
		b.WriteByte(0)
		b.WriteString(p)
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Key identifies one acceptance of a request by an agent
func (e AgentAssignedEvent) Key() string {
	return IdempotencyKey(TypeAgentAssigned, e.TenantID, e.HandoffRequestID, e.AgentID)
}

// Key identifies the customer message that triggered detection; without one the detection time is used
func (e NegativeSentimentEvent) Key() string {
	ref := e.MessageID
	if ref == "" {
		ref = strconv.FormatInt(e.DetectedAt.UnixNano(), 10)
	}
	return IdempotencyKey(TypeNegativeSentiment, e.TenantID, e.SessionID, ref)
}
