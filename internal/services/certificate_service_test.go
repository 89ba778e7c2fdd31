package services

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/scfchain/backend/internal/ledger"
	"github.com/scfchain/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G'}

func TestNewCertificate(t *testing.T) {
	f := newFixture(t, ledger.NewSimulator())
	record := f.initiate(t)

	_, err := NewCertificate(record)
	assert.Equal(t, CodeEndorsementNotConfirmed, CodeOf(err))

	res := f.approve(t, record)
	cert, err := NewCertificate(res.Endorsement)
	require.NoError(t, err)
	assert.Equal(t, record.EndorsementNo, cert.EndorsementNo)
	assert.Equal(t, testReceiptNo, cert.ReceiptNo)
	assert.Equal(t, string(models.EndorsementTypePledge), cert.EndorsementType)
	assert.Equal(t, res.Endorsement.TxHash, cert.TxHash)
	assert.NotEmpty(t, cert.ConfirmedTime)
	assert.Len(t, cert.Digest, 66)

	again, err := NewCertificate(res.Endorsement)
	require.NoError(t, err)
	assert.Equal(t, cert.Digest, again.Digest)
}

func TestCertificateService_QRCode(t *testing.T) {
	ctx := context.Background()

	t.Run("renders png without cache", func(t *testing.T) {
		f := newFixture(t, ledger.NewSimulator())
		res := f.approve(t, f.initiate(t))
		svc := NewCertificateService(f.endorsements, nil)

		image, err := svc.QRCode(ctx, res.Endorsement.ID)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(image, pngSignature))
	})

	t.Run("serves cached image", func(t *testing.T) {
		f := newFixture(t, ledger.NewSimulator())
		db, mock := redismock.NewClientMock()
		svc := NewCertificateService(f.endorsements, db)

		mock.ExpectGet("certificate:e-cached").SetVal("cached-png")

		image, err := svc.QRCode(ctx, "e-cached")
		require.NoError(t, err)
		assert.Equal(t, []byte("cached-png"), image)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cache failure falls back to rendering", func(t *testing.T) {
		f := newFixture(t, ledger.NewSimulator())
		res := f.approve(t, f.initiate(t))
		db, mock := redismock.NewClientMock()
		svc := NewCertificateService(f.endorsements, db)

		mock.ExpectGet("certificate:" + res.Endorsement.ID).SetErr(errors.New("connection refused"))

		image, err := svc.QRCode(ctx, res.Endorsement.ID)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(image, pngSignature))
	})

	t.Run("pending endorsement has no certificate", func(t *testing.T) {
		f := newFixture(t, ledger.NewSimulator())
		record := f.initiate(t)
		db, mock := redismock.NewClientMock()
		svc := NewCertificateService(f.endorsements, db)

		mock.ExpectGet("certificate:" + record.ID).RedisNil()

		_, err := svc.QRCode(ctx, record.ID)
		assert.Equal(t, KindInvalidState, KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown endorsement", func(t *testing.T) {
		f := newFixture(t, ledger.NewSimulator())
		svc := NewCertificateService(f.endorsements, nil)

		_, err := svc.QRCode(ctx, "missing")
		assert.Equal(t, CodeEndorsementNotFound, CodeOf(err))
	})
}
