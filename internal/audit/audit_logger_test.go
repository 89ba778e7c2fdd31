package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger_LogPledge(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLoggerTo(log.New(&buf, "", 0))

	a.LogPledge("p-1", "r-1", "bank-1", decimal.RequireFromString("100000"), "ACTIVE")

	line := strings.TrimSpace(buf.String())
	require.True(t, strings.HasPrefix(line, "AUDIT: "))

	var event AuditEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "AUDIT: ")), &event))
	assert.Equal(t, "PLEDGE", event.EventType)
	assert.Equal(t, "100000.00", event.Amount)
	assert.Equal(t, "bank-1", event.ActorID)
}

func TestAuditLogger_LogError(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLoggerTo(log.New(&buf, "", 0))

	a.LogError("PLEDGE:e-1", "r-1", errors.New("ledger reverted"))

	assert.Contains(t, buf.String(), `"status":"FAILED"`)
	assert.Contains(t, buf.String(), "ledger reverted")
}
