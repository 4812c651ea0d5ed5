// Package domain defines the CRM records kept in sync: flows, flow senders,
// flow contacts, users and contracts, plus the schema each store uses to
// read identity and revision and to validate drafts.
package domain

import (
	"github.com/c360/entitysync/entity"
	"github.com/c360/entitysync/patch"
)

// Entity names. They name sync channels, KV buckets and metric labels.
const (
	FlowsName        = "Flows"
	FlowSendersName  = "FlowSenders"
	FlowContactsName = "FlowContacts"
	UsersName        = "Users"
	ContractsName    = "Contracts"
)

// Names lists every entity name in start order.
var Names = []string{FlowsName, FlowSendersName, FlowContactsName, UsersName, ContractsName}

var (
	flowValidator        = patch.MustValidator(flowJSONSchema)
	flowSenderValidator  = patch.MustValidator(flowSenderJSONSchema)
	flowContactValidator = patch.MustValidator(flowContactJSONSchema)
	userValidator        = patch.MustValidator(userJSONSchema)
	contractValidator    = patch.MustValidator(contractJSONSchema)
)

// FlowSchema describes Flow records.
func FlowSchema() entity.Schema[Flow] {
	return entity.Schema[Flow]{
		Name:        FlowsName,
		ID:          func(f Flow) string { return f.ID },
		SetID:       func(f *Flow, id string) { f.ID = id },
		Revision:    func(f Flow) uint64 { return f.Revision },
		SetRevision: func(f *Flow, rev uint64) { f.Revision = rev },
		Validator:   flowValidator,
	}
}

// FlowSenderSchema describes FlowSender records.
func FlowSenderSchema() entity.Schema[FlowSender] {
	return entity.Schema[FlowSender]{
		Name:        FlowSendersName,
		ID:          func(s FlowSender) string { return s.ID },
		SetID:       func(s *FlowSender, id string) { s.ID = id },
		Revision:    func(s FlowSender) uint64 { return s.Revision },
		SetRevision: func(s *FlowSender, rev uint64) { s.Revision = rev },
		Validator:   flowSenderValidator,
	}
}

// FlowContactSchema describes FlowContact records.
func FlowContactSchema() entity.Schema[FlowContact] {
	return entity.Schema[FlowContact]{
		Name:        FlowContactsName,
		ID:          func(c FlowContact) string { return c.ID },
		SetID:       func(c *FlowContact, id string) { c.ID = id },
		Revision:    func(c FlowContact) uint64 { return c.Revision },
		SetRevision: func(c *FlowContact, rev uint64) { c.Revision = rev },
		Validator:   flowContactValidator,
	}
}

// UserSchema describes User records.
func UserSchema() entity.Schema[User] {
	return entity.Schema[User]{
		Name:        UsersName,
		ID:          func(u User) string { return u.ID },
		SetID:       func(u *User, id string) { u.ID = id },
		Revision:    func(u User) uint64 { return u.Revision },
		SetRevision: func(u *User, rev uint64) { u.Revision = rev },
		Validator:   userValidator,
	}
}

// ContractSchema describes Contract records.
func ContractSchema() entity.Schema[Contract] {
	return entity.Schema[Contract]{
		Name:        ContractsName,
		ID:          func(c Contract) string { return c.ID },
		SetID:       func(c *Contract, id string) { c.ID = id },
		Revision:    func(c Contract) uint64 { return c.Revision },
		SetRevision: func(c *Contract, rev uint64) { c.Revision = rev },
		Validator:   contractValidator,
	}
}
