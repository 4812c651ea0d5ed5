package domain

import (
	"fmt"
	"time"

	"github.com/c360/entitysync/errors"
)

// ContractStatus is the lifecycle state of a contract.
type ContractStatus string

// ContractStatus values.
const (
	ContractDraft         ContractStatus = "DRAFT"
	ContractScheduled     ContractStatus = "SCHEDULED"
	ContractLive          ContractStatus = "LIVE"
	ContractOutOfContract ContractStatus = "OUT_OF_CONTRACT"
	ContractEnded         ContractStatus = "ENDED"
)

// Contract is a customer agreement that drives invoicing.
type Contract struct {
	ID                      string         `json:"id"`
	Name                    string         `json:"contractName"`
	OrganizationID          string         `json:"organizationId"`
	Status                  ContractStatus `json:"contractStatus"`
	Currency                string         `json:"currency,omitempty"`
	AutoRenew               bool           `json:"autoRenew"`
	CommittedPeriodInMonths int            `json:"committedPeriodInMonths,omitempty"`
	ServiceStarted          *time.Time     `json:"serviceStarted,omitempty"`
	RenewalDate             *time.Time     `json:"renewalDate,omitempty"`
	BillingEnabled          bool           `json:"billingEnabled"`
	BillingDetails          BillingDetails `json:"billingDetails"`
	Revision                uint64         `json:"revision"`
}

// BillingDetails holds the invoicing settings of a contract.
type BillingDetails struct {
	InvoicingStarted       *time.Time `json:"invoicingStarted,omitempty"`
	BillingCycleInMonths   int        `json:"billingCycleInMonths,omitempty"`
	DueDays                int        `json:"dueDays,omitempty"`
	PayAutomatically       bool       `json:"payAutomatically"`
	CanPayWithCard         bool       `json:"canPayWithCard"`
	CanPayWithDirectDebit  bool       `json:"canPayWithDirectDebit"`
	CanPayWithBankTransfer bool       `json:"canPayWithBankTransfer"`
	PayOnline              bool       `json:"payOnline"`
	Check                  bool       `json:"check"`
}

// Validate checks the organization link and billing ranges.
func (c *Contract) Validate() error {
	if c.OrganizationID == "" {
		return errors.WrapInvalid(fmt.Errorf("contract needs an organizationId"), "Contract", "Validate", "check organization")
	}
	if c.CommittedPeriodInMonths < 0 || c.BillingDetails.BillingCycleInMonths < 0 || c.BillingDetails.DueDays < 0 {
		return errors.WrapInvalid(fmt.Errorf("contract periods cannot be negative"), "Contract", "Validate", "check periods")
	}
	return nil
}

const contractJSONSchema = `{
	"type": "object",
	"required": ["organizationId"],
	"properties": {
		"organizationId": {"type": "string", "minLength": 1},
		"contractStatus": {"enum": ["", "DRAFT", "SCHEDULED", "LIVE", "OUT_OF_CONTRACT", "ENDED"]},
		"currency": {"type": "string", "pattern": "^([A-Z]{3})?$"},
		"committedPeriodInMonths": {"type": "integer", "minimum": 0},
		"billingDetails": {
			"type": "object",
			"properties": {
				"billingCycleInMonths": {"type": "integer", "minimum": 0},
				"dueDays": {"type": "integer", "minimum": 0}
			}
		}
	}
}`
