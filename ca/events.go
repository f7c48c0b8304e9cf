package ca

import (
	"fmt"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/resources"
	"github.com/AshkanYarmoradi/go-rpkica/signer"
)

// TrustAnchorEvent is the event family of the TrustAnchor.
type TrustAnchorEvent interface {
	rpkica.EventDetails
	isTrustAnchorEvent()
}

// CertAuthEvent is the event family of the CertAuth.
type CertAuthEvent interface {
	rpkica.EventDetails
	isCertAuthEvent()
}

// TrustAnchorInitDetails is the genesis event of a TrustAnchor.
type TrustAnchorInitDetails struct {
	Resources resources.ResourceSet `json:"resources"`
	Key       signer.KeyIdentifier  `json:"key"`
}

func (d TrustAnchorInitDetails) Summary() string {
	return fmt.Sprintf("trust anchor created with key %s holding %s", d.Key.Short(), d.Resources)
}

// CertAuthInitDetails is the genesis event of a CertAuth.
type CertAuthInitDetails struct {
	Key signer.KeyIdentifier `json:"key"`
}

func (d CertAuthInitDetails) Summary() string {
	return fmt.Sprintf("CA created with key %s", d.Key.Short())
}

type ChildAdded struct {
	Child     rpkica.Handle         `json:"child"`
	Resources resources.ResourceSet `json:"resources"`
}

func (e ChildAdded) Summary() string {
	return fmt.Sprintf("added child %s with resources %s", e.Child, e.Resources)
}
func (ChildAdded) isTrustAnchorEvent() {}
func (ChildAdded) isCertAuthEvent()    {}

type ChildUpdatedResources struct {
	Child     rpkica.Handle         `json:"child"`
	Resources resources.ResourceSet `json:"resources"`
}

func (e ChildUpdatedResources) Summary() string {
	return fmt.Sprintf("updated resources of child %s to %s", e.Child, e.Resources)
}
func (ChildUpdatedResources) isTrustAnchorEvent() {}
func (ChildUpdatedResources) isCertAuthEvent()    {}

type ChildRemoved struct {
	Child rpkica.Handle `json:"child"`
}

func (e ChildRemoved) Summary() string   { return fmt.Sprintf("removed child %s", e.Child) }
func (ChildRemoved) isTrustAnchorEvent() {}
func (ChildRemoved) isCertAuthEvent()    {}

type ChildCertificateIssued struct {
	Child       rpkica.Handle     `json:"child"`
	Certificate IssuedCertificate `json:"certificate"`
}

func (e ChildCertificateIssued) Summary() string {
	return fmt.Sprintf("issued certificate #%d to child %s for %s", e.Certificate.Serial, e.Child, e.Certificate.Resources)
}
func (ChildCertificateIssued) isTrustAnchorEvent() {}
func (ChildCertificateIssued) isCertAuthEvent()    {}

type ParentAdded struct {
	Parent rpkica.Handle `json:"parent"`
}

func (e ParentAdded) Summary() string { return fmt.Sprintf("added parent %s", e.Parent) }
func (ParentAdded) isCertAuthEvent()  {}

type ParentRemoved struct {
	Parent rpkica.Handle `json:"parent"`
}

func (e ParentRemoved) Summary() string { return fmt.Sprintf("removed parent %s", e.Parent) }
func (ParentRemoved) isCertAuthEvent()  {}

type CertificateReceived struct {
	Parent      rpkica.Handle     `json:"parent"`
	Certificate IssuedCertificate `json:"certificate"`
}

func (e CertificateReceived) Summary() string {
	return fmt.Sprintf("received certificate #%d from %s for %s", e.Certificate.Serial, e.Parent, e.Certificate.Resources)
}
func (CertificateReceived) isCertAuthEvent() {}

type CertificateReleased struct {
	Parent rpkica.Handle `json:"parent"`
	Serial uint64        `json:"serial"`
}

func (e CertificateReleased) Summary() string {
	return fmt.Sprintf("released certificate #%d from %s", e.Serial, e.Parent)
}
func (CertificateReleased) isCertAuthEvent() {}

// TrustAnchorEvents returns one example of every TrustAnchor event type.
func TrustAnchorEvents() []any {
	return []any{ChildAdded{}, ChildUpdatedResources{}, ChildRemoved{}, ChildCertificateIssued{}}
}

// CertAuthEvents returns one example of every CertAuth event type.
func CertAuthEvents() []any {
	return append(TrustAnchorEvents(), ParentAdded{}, ParentRemoved{}, CertificateReceived{}, CertificateReleased{})
}
