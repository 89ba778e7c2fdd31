package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	ReceiptID string    `json:"receipt_id"`
	EntityID  string    `json:"entity_id"`
	ActorID   string    `json:"actor_id,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Status    string    `json:"status"`
	Details   any       `json:"details,omitempty"`
}

type AuditLogger struct {
	logger *log.Logger
}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{logger: log.Default()}
}

// NewAuditLoggerTo writes audit lines to a dedicated logger.
func NewAuditLoggerTo(l *log.Logger) *AuditLogger {
	return &AuditLogger{logger: l}
}

func (a *AuditLogger) LogEndorsement(endorsementID, receiptID, actorID, endorsementType, status string) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "ENDORSEMENT",
		ReceiptID: receiptID,
		EntityID:  endorsementID,
		ActorID:   actorID,
		Status:    status,
		Details:   map[string]string{"endorsement_type": endorsementType},
	})
}

func (a *AuditLogger) LogPledge(pledgeID, receiptID, actorID string, amount decimal.Decimal, status string) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "PLEDGE",
		ReceiptID: receiptID,
		EntityID:  pledgeID,
		ActorID:   actorID,
		Amount:    amount.StringFixed(2),
		Status:    status,
	})
}

func (a *AuditLogger) LogLedger(businessKey, receiptID, status, txHash string) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "LEDGER",
		ReceiptID: receiptID,
		EntityID:  businessKey,
		Status:    status,
		Details:   map[string]string{"tx_hash": txHash},
	})
}

func (a *AuditLogger) LogError(entityID, receiptID string, err error) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "ERROR",
		ReceiptID: receiptID,
		EntityID:  entityID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	a.logger.Printf("AUDIT: %s", string(data))
}
