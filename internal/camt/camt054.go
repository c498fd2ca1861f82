// Package camt renders ISO 20022 camt.054 debit notifications for booked
// payments.
package camt

import (
	"encoding/xml"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const Namespace = "urn:iso:std:iso:20022:tech:xsd:camt.054.001.02"

var currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)

// Document is one rendered notification.
type Document struct {
	MessageID   string
	CreatedAt   time.Time
	Currency    string
	Amount      string
	PayerID     string
	ReferenceID string
	XML         []byte
}

// Generate builds the notification for a debit of amount from payerID.
// Only MessageID and the timestamps differ between calls with equal inputs.
func Generate(currency string, amount decimal.Decimal, payerID, referenceID string, now time.Time) (*Document, error) {
	if !currencyRe.MatchString(currency) {
		return nil, fmt.Errorf("invalid currency %q", currency)
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	if payerID == "" || referenceID == "" {
		return nil, errors.New("payer id and reference id are required")
	}

	now = now.UTC()
	day := now.Format("2006-01-02")
	amt := amount.StringFixed(2)
	msgID := "CAMT-" + uuid.NewString()

	acct := accountID{Othr: otherID{ID: payerID}}
	doc := envelope{
		Xmlns: Namespace,
		Notification: notification{
			GroupHeader: groupHeader{
				MessageID: msgID,
				CreatedAt: now.Format("2006-01-02T15:04:05") + "Z",
			},
			Ntfctn: ntfctn{
				ID:          "STMT-" + day + "-" + payerID,
				SequenceNum: 1,
				Account:     account{ID: acct},
				Entry: entry{
					Amount:      amountTag{Currency: currency, Value: amt},
					CreditDebit: "DBIT",
					Status:      "BOOK",
					BookingDate: dateTag{Date: day},
					ValueDate:   dateTag{Date: day},
					BankTxCode:  bankTxCode{Proprietary: proprietary{ID: "NTRF"}},
					Details: entryDetails{TxDetails: txDetails{
						Refs:       refs{EndToEndID: referenceID},
						AmtDetails: amtDetails{Instructed: amountTag{Currency: currency, Value: amt}},
						Parties:    relatedParties{DebtorAccount: account{ID: acct}},
						Remittance: remittance{Structured: structured{CreditorRef: creditorRef{Ref: referenceID}}},
					}},
				},
			},
		},
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render camt.054: %w", err)
	}

	return &Document{
		MessageID:   msgID,
		CreatedAt:   now,
		Currency:    currency,
		Amount:      amt,
		PayerID:     payerID,
		ReferenceID: referenceID,
		XML:         append([]byte(xml.Header), body...),
	}, nil
}

type envelope struct {
	XMLName      xml.Name     `xml:"Document"`
	Xmlns        string       `xml:"xmlns,attr"`
	Notification notification `xml:"BkToCstmrDbtCdtNtfctn"`
}

type notification struct {
	GroupHeader groupHeader `xml:"GrpHdr"`
	Ntfctn      ntfctn      `xml:"Ntfctn"`
}

type groupHeader struct {
	MessageID string `xml:"MsgId"`
	CreatedAt string `xml:"CreDtTm"`
}

type ntfctn struct {
	ID          string  `xml:"Id"`
	SequenceNum int     `xml:"ElctrncSeqNb"`
	Account     account `xml:"Acct"`
	Entry       entry   `xml:"Ntry"`
}

type account struct {
	ID accountID `xml:"Id"`
}

type accountID struct {
	Othr otherID `xml:"Othr"`
}

type otherID struct {
	ID string `xml:"Id"`
}

type entry struct {
	Amount      amountTag    `xml:"Amt"`
	CreditDebit string       `xml:"CdtDbtInd"`
	Status      string       `xml:"Sts"`
	BookingDate dateTag      `xml:"BookgDt"`
	ValueDate   dateTag      `xml:"ValDt"`
	BankTxCode  bankTxCode   `xml:"BkTxCd"`
	Details     entryDetails `xml:"NtryDtls"`
}

type amountTag struct {
	Currency string `xml:"Ccy,attr"`
	Value    string `xml:",chardata"`
}

type dateTag struct {
	Date string `xml:"Dt"`
}

type bankTxCode struct {
	Proprietary proprietary `xml:"Prtry"`
}

type proprietary struct {
	ID string `xml:"Id"`
}

type entryDetails struct {
	TxDetails txDetails `xml:"TxDtls"`
}

type txDetails struct {
	Refs       refs           `xml:"Refs"`
	AmtDetails amtDetails     `xml:"AmtDtls"`
	Parties    relatedParties `xml:"RltdPties"`
	Remittance remittance     `xml:"RmtInf"`
}

type refs struct {
	EndToEndID string `xml:"EndToEndId"`
}

type amtDetails struct {
	Instructed amountTag `xml:"InstdAmt"`
}

type relatedParties struct {
	DebtorAccount account `xml:"DbtrAcct"`
}

type remittance struct {
	Structured structured `xml:"Strd"`
}

type structured struct {
	CreditorRef creditorRef `xml:"CdtrRefInf"`
}

type creditorRef struct {
	Ref string `xml:"Ref"`
}
