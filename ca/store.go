package ca

import (
	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/adapters"
)

// TrustAnchorStore persists trust anchors.
type TrustAnchorStore = rpkica.AggregateStore[*TrustAnchor, TrustAnchorInitDetails, TrustAnchorCommand, TrustAnchorEvent]

// CertAuthStore persists the CAs below the trust anchor.
type CertAuthStore = rpkica.AggregateStore[*CertAuth, CertAuthInitDetails, CertAuthCommand, CertAuthEvent]

// NewTrustAnchorStore creates a trust anchor store with its event types registered.
func NewTrustAnchorStore(adapter adapters.EventStoreAdapter, opts ...rpkica.StoreOption) *TrustAnchorStore {
	s := rpkica.NewAggregateStore[*TrustAnchor, TrustAnchorInitDetails, TrustAnchorCommand, TrustAnchorEvent](
		adapter, TrustAnchorNamespace, InitTrustAnchor, opts...)
	s.RegisterEvents(TrustAnchorEvents()...)
	return s
}

// NewCertAuthStore creates a CA store with its event types registered.
func NewCertAuthStore(adapter adapters.EventStoreAdapter, opts ...rpkica.StoreOption) *CertAuthStore {
	s := rpkica.NewAggregateStore[*CertAuth, CertAuthInitDetails, CertAuthCommand, CertAuthEvent](
		adapter, CertAuthNamespace, InitCertAuth, opts...)
	s.RegisterEvents(CertAuthEvents()...)
	return s
}

// TrustAnchorCmd addresses a trust anchor command.
func TrustAnchorCmd(version int64, details TrustAnchorCommand) rpkica.SentCommand[TrustAnchorCommand] {
	return rpkica.NewSentCommand(TrustAnchorID, version, details)
}

// CertAuthCmd addresses a CA command.
func CertAuthCmd(handle rpkica.Handle, version int64, details CertAuthCommand) rpkica.SentCommand[CertAuthCommand] {
	return rpkica.NewSentCommand(handle, version, details)
}
