package services

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/shopspring/decimal"
)

// SettlementService renders the ISO 20022 messages that accompany a pledge
// repayment: a pacs.008 credit transfer from the owner to the institution and
// the pacs.002 status report for it.
type SettlementService struct {
	currency string
	bic      string
	now      func() time.Time
}

func NewSettlementService(currency, bic string) *SettlementService {
	if currency == "" {
		currency = "CNY"
	}
	return &SettlementService{
		currency: currency,
		bic:      bic,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Repayment describes one settled release.
type Repayment struct {
	PledgeID      string
	ReceiptNo     string
	OwnerName     string
	InstitutionID string
	Amount        decimal.Decimal
}

// CreatePacs008 builds the FIToFICustomerCreditTransfer for a repayment.
func (s *SettlementService) CreatePacs008(r Repayment) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	if !r.Amount.IsPositive() {
		return nil, fmt.Errorf("settlement amount must be positive, got %s", r.Amount)
	}

	msgID := uuid.New().String()
	created := s.now()
	settlementDate := created
	amount, _ := r.Amount.Round(moneyPrecision).Float64()
	txID := common.Max35Text(shorten(r.PledgeID, 35))

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgID),
			CreDtTm: common.ISODateTime(created),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(s.currency),
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &txID,
					EndToEndId: common.Max35Text(shorten(r.ReceiptNo, 35)),
					TxId:       &txID,
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(s.currency),
					Value: amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: s.agent(),
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(shorten(r.OwnerName, 140))}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(shorten(r.InstitutionID, 35)),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(shorten(r.InstitutionID, 140))}[0],
				},
			},
		},
	}
	return doc, nil
}

// CreatePacs002 builds the status report for a repayment, e.g. ACSC or RJCT.
func (s *SettlementService) CreatePacs002(r Repayment, status string) (*pacs_v08.FIToFIPaymentStatusReportV08, error) {
	txID := common.Max35Text(shorten(r.PledgeID, 35))
	endToEnd := common.Max35Text(shorten(r.ReceiptNo, 35))
	doc := &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(uuid.New().String()),
			CreDtTm: common.ISODateTime(s.now()),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &txID,
				OrgnlEndToEndId: &endToEnd,
				OrgnlTxId:       &txID,
				TxSts:           &[]pacs_v08.ExternalPaymentTransactionStatus1Code{pacs_v08.ExternalPaymentTransactionStatus1Code(status)}[0],
			},
		},
	}
	return doc, nil
}

// RepaymentMessage returns the pacs.008 XML stored on the release record.
func (s *SettlementService) RepaymentMessage(r Repayment) (string, error) {
	doc, err := s.CreatePacs008(r)
	if err != nil {
		return "", err
	}
	return s.ConvertToXML(doc)
}

// ConvertToXML converts ISO20022 document to XML string
func (s *SettlementService) ConvertToXML(doc any) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}

func (s *SettlementService) agent() pacs_v08.FinancialInstitutionIdentification18 {
	if s.bic == "" {
		return pacs_v08.FinancialInstitutionIdentification18{}
	}
	bic := common.BICFIDec2014Identifier(s.bic)
	return pacs_v08.FinancialInstitutionIdentification18{BICFI: &bic}
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
