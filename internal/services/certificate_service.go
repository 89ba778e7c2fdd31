package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/scfchain/backend/internal/ledger"
	"github.com/scfchain/backend/internal/models"
	"github.com/skip2/go-qrcode"
)

// Certificate is the content encoded in an endorsement's QR code.
type Certificate struct {
	EndorsementNo   string `json:"endorsementNo"`
	ReceiptID       string `json:"receiptId"`
	ReceiptNo       string `json:"receiptNo"`
	EndorsementType string `json:"endorsementType"`
	EndorseFrom     string `json:"endorseFrom"`
	EndorseTo       string `json:"endorseTo"`
	TxHash          string `json:"txHash"`
	BlockNumber     uint64 `json:"blockNumber"`
	ConfirmedTime   string `json:"confirmedTime"`
	Digest          string `json:"digest"`
}

// CertificateService renders QR certificates for confirmed, ledger-linked
// endorsements. Rendered images are cached in Redis when it is configured.
type CertificateService struct {
	endorsements *EndorsementService
	redis        *redis.Client
	ttl          time.Duration
	size         int
}

func NewCertificateService(endorsements *EndorsementService, redisClient *redis.Client) *CertificateService {
	return &CertificateService{
		endorsements: endorsements,
		redis:        redisClient,
		ttl:          24 * time.Hour,
		size:         256,
	}
}

// NewCertificate builds the certificate of a confirmed, linked endorsement.
func NewCertificate(record *models.EndorsementRecord) (*Certificate, error) {
	if record.EndorsementStatus != models.EndorsementStatusConfirmed || !record.HasLedgerLink() {
		return nil, InvalidStateError(CodeEndorsementNotConfirmed,
			"endorsement %s has no confirmed ledger record", record.EndorsementNo)
	}
	cert := &Certificate{
		EndorsementNo:   record.EndorsementNo,
		ReceiptID:       record.ReceiptID,
		ReceiptNo:       record.GoodsSnapshot.ReceiptNo,
		EndorsementType: string(record.EndorsementType),
		EndorseFrom:     record.EndorseFrom,
		EndorseTo:       record.EndorseTo,
		TxHash:          record.TxHash,
		BlockNumber:     record.BlockNumber,
	}
	if record.ConfirmedTime != nil {
		cert.ConfirmedTime = record.ConfirmedTime.UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(cert)
	if err != nil {
		return nil, err
	}
	cert.Digest = ledger.Keccak256Hex(body)
	return cert, nil
}

// QRCode returns the PNG certificate for an endorsement.
func (s *CertificateService) QRCode(ctx context.Context, endorsementID string) ([]byte, error) {
	key := fmt.Sprintf("certificate:%s", endorsementID)
	if s.redis != nil {
		data, err := s.redis.Get(ctx, key).Bytes()
		if err == nil {
			return data, nil
		}
		if err != redis.Nil {
			log.Printf("[CERTIFICATE] Cache read failed for %s: %v", endorsementID, err)
		}
	}

	record, err := s.endorsements.Get(ctx, endorsementID)
	if err != nil {
		return nil, err
	}
	cert, err := NewCertificate(record)
	if err != nil {
		return nil, err
	}
	image, err := s.render(cert)
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if err := s.redis.Set(ctx, key, image, s.ttl).Err(); err != nil {
			log.Printf("[CERTIFICATE] Cache write failed for %s: %v", endorsementID, err)
		}
	}
	return image, nil
}

func (s *CertificateService) render(cert *Certificate) ([]byte, error) {
	payload, err := json.Marshal(cert)
	if err != nil {
		return nil, err
	}
	qr, err := qrcode.New(string(payload), qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("encode certificate: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(s.size)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
