package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/entitysync/errors"
)

// FlowSender is a mailbox owner allowed to send on behalf of a flow.
type FlowSender struct {
	ID       string `json:"id"`
	FlowID   string `json:"flowId"`
	UserID   string `json:"userId"`
	Revision uint64 `json:"revision"`
}

// Validate checks that the sender links a flow and a user.
func (s *FlowSender) Validate() error {
	if s.FlowID == "" || s.UserID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("flow sender needs flowId and userId"), "FlowSender", "Validate", "check references")
	}
	return nil
}

// FlowContactStatus tracks a contact's progress through a flow.
type FlowContactStatus string

// FlowContactStatus values.
const (
	ContactScheduled    FlowContactStatus = "SCHEDULED"
	ContactInProgress   FlowContactStatus = "IN_PROGRESS"
	ContactPaused       FlowContactStatus = "PAUSED"
	ContactCompleted    FlowContactStatus = "COMPLETED"
	ContactGoalAchieved FlowContactStatus = "GOAL_ACHIEVED"
)

// FlowContact is a contact enrolled in a flow.
type FlowContact struct {
	ID          string            `json:"id"`
	FlowID      string            `json:"flowId"`
	ContactID   string            `json:"contactId"`
	Status      FlowContactStatus `json:"status"`
	CurrentNode string            `json:"currentNode,omitempty"`
	ScheduledAt *time.Time        `json:"scheduledAt,omitempty"`
	Revision    uint64            `json:"revision"`
}

// Validate checks that the enrollment links a flow and a contact.
func (c *FlowContact) Validate() error {
	if c.FlowID == "" || c.ContactID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("flow contact needs flowId and contactId"), "FlowContact", "Validate", "check references")
	}
	return nil
}

// User is a CRM workspace member.
type User struct {
	ID            string   `json:"id"`
	FirstName     string   `json:"firstName"`
	LastName      string   `json:"lastName"`
	Emails        []Email  `json:"emails"`
	Roles         []string `json:"roles,omitempty"`
	ProfilePhoto  string   `json:"profilePhotoUrl,omitempty"`
	Internal      bool     `json:"internal,omitempty"`
	Bot           bool     `json:"bot,omitempty"`
	MailboxActive bool     `json:"mailboxActive,omitempty"`
	Revision      uint64   `json:"revision"`
}

// Email is an address owned by a user.
type Email struct {
	Email   string `json:"email"`
	Primary bool   `json:"primary,omitempty"`
}

// Name joins first and last name.
func (u User) Name() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// PrimaryEmail returns the primary address, or the first one.
func (u User) PrimaryEmail() string {
	for _, e := range u.Emails {
		if e.Primary {
			return e.Email
		}
	}
	if len(u.Emails) > 0 {
		return u.Emails[0].Email
	}
	return ""
}

const flowSenderJSONSchema = `{
	"type": "object",
	"required": ["flowId", "userId"],
	"properties": {
		"flowId": {"type": "string", "minLength": 1},
		"userId": {"type": "string", "minLength": 1}
	}
}`

const flowContactJSONSchema = `{
	"type": "object",
	"required": ["flowId", "contactId"],
	"properties": {
		"flowId": {"type": "string", "minLength": 1},
		"contactId": {"type": "string", "minLength": 1},
		"status": {"enum": ["", "SCHEDULED", "IN_PROGRESS", "PAUSED", "COMPLETED", "GOAL_ACHIEVED"]}
	}
}`

const userJSONSchema = `{
	"type": "object",
	"properties": {
		"emails": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"required": ["email"],
				"properties": {"email": {"type": "string", "format": "email"}}
			}
		}
	}
}`
