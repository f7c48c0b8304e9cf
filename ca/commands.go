package ca

import (
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/resources"
	"github.com/AshkanYarmoradi/go-rpkica/signer"
)

// Command type labels, as recorded in command history.
const (
	CmdAddChild           = "add-child"
	CmdUpdateChild        = "update-child-resources"
	CmdRemoveChild        = "remove-child"
	CmdCertifyChild       = "certify-child"
	CmdAddParent          = "add-parent"
	CmdRemoveParent       = "remove-parent"
	CmdReceiveCertificate = "receive-certificate"
	CmdReleaseCertificate = "release-certificate"
)

// TrustAnchorCommand is the command family of the TrustAnchor.
type TrustAnchorCommand interface {
	rpkica.CommandDetails
	isTrustAnchorCommand()
}

// CertAuthCommand is the command family of the CertAuth.
type CertAuthCommand interface {
	rpkica.CommandDetails
	isCertAuthCommand()
}

// AddChild delegates resources to a new child.
type AddChild struct {
	Child     rpkica.Handle         `json:"child"`
	Resources resources.ResourceSet `json:"resources"`
}

func (AddChild) CommandType() string { return CmdAddChild }
func (c AddChild) Summary() string {
	return fmt.Sprintf("add child %s with resources %s", c.Child, c.Resources)
}
func (AddChild) isTrustAnchorCommand() {}
func (AddChild) isCertAuthCommand()    {}

// UpdateChildResources replaces the resources delegated to a child.
type UpdateChildResources struct {
	Child     rpkica.Handle         `json:"child"`
	Resources resources.ResourceSet `json:"resources"`
}

func (UpdateChildResources) CommandType() string { return CmdUpdateChild }
func (c UpdateChildResources) Summary() string {
	return fmt.Sprintf("update resources of child %s to %s", c.Child, c.Resources)
}
func (UpdateChildResources) isTrustAnchorCommand() {}
func (UpdateChildResources) isCertAuthCommand()    {}

// RemoveChild withdraws every delegation to a child.
type RemoveChild struct {
	Child rpkica.Handle `json:"child"`
}

func (RemoveChild) CommandType() string   { return CmdRemoveChild }
func (c RemoveChild) Summary() string     { return fmt.Sprintf("remove child %s", c.Child) }
func (RemoveChild) isTrustAnchorCommand() {}
func (RemoveChild) isCertAuthCommand()    {}

// CertifyChild issues a certificate for the child's current entitlement.
// Signer is used while processing and is not recorded.
type CertifyChild struct {
	Child      rpkica.Handle        `json:"child"`
	SubjectKey signer.KeyIdentifier `json:"subjectKey"`
	Now        time.Time            `json:"now"`
	Validity   time.Duration        `json:"validity"`
	Signer     signer.Signer        `json:"-"`
}

func (CertifyChild) CommandType() string { return CmdCertifyChild }
func (c CertifyChild) Summary() string {
	return fmt.Sprintf("certify child %s key %s", c.Child, c.SubjectKey.Short())
}
func (CertifyChild) isTrustAnchorCommand() {}
func (CertifyChild) isCertAuthCommand()    {}

// AddParent links a CA to the parent that delegates to it.
type AddParent struct {
	Parent rpkica.Handle `json:"parent"`
}

func (AddParent) CommandType() string { return CmdAddParent }
func (c AddParent) Summary() string   { return fmt.Sprintf("add parent %s", c.Parent) }
func (AddParent) isCertAuthCommand()  {}

// RemoveParent unlinks a CA from its parent and drops the parent's certificate.
type RemoveParent struct {
	Parent rpkica.Handle `json:"parent"`
}

func (RemoveParent) CommandType() string { return CmdRemoveParent }
func (c RemoveParent) Summary() string   { return fmt.Sprintf("remove parent %s", c.Parent) }
func (RemoveParent) isCertAuthCommand()  {}

// ReceiveCertificate installs a certificate issued by the parent.
type ReceiveCertificate struct {
	Parent      rpkica.Handle     `json:"parent"`
	Certificate IssuedCertificate `json:"certificate"`
}

func (ReceiveCertificate) CommandType() string { return CmdReceiveCertificate }
func (c ReceiveCertificate) Summary() string {
	return fmt.Sprintf("receive certificate #%d from %s", c.Certificate.Serial, c.Parent)
}
func (ReceiveCertificate) isCertAuthCommand() {}

// ReleaseCertificate drops the certificate received from the parent while
// staying under it, used when the parent no longer entitles the CA to anything.
type ReleaseCertificate struct {
	Parent rpkica.Handle `json:"parent"`
}

func (ReleaseCertificate) CommandType() string { return CmdReleaseCertificate }
func (c ReleaseCertificate) Summary() string {
	return fmt.Sprintf("release certificate from %s", c.Parent)
}
func (ReleaseCertificate) isCertAuthCommand() {}
