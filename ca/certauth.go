package ca

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/resources"
	"github.com/AshkanYarmoradi/go-rpkica/signer"
)

// CertAuth is a CA below the trust anchor. It holds whatever its parent
// certified to it and may delegate subsets of that to its own children.
type CertAuth struct {
	handle      rpkica.Handle
	version     int64
	key         signer.KeyIdentifier
	parent      rpkica.Handle
	certificate *IssuedCertificate
	children    children
}

var _ rpkica.Aggregate[CertAuthCommand, CertAuthEvent] = (*CertAuth)(nil)

// NewCertAuthInit builds the genesis event of a CA.
func NewCertAuthInit(handle rpkica.Handle, key signer.KeyIdentifier) rpkica.StoredEvent[CertAuthInitDetails] {
	return rpkica.NewStoredEvent(handle, 0, CertAuthInitDetails{Key: key})
}

// InitCertAuth builds a CA from its genesis event.
func InitCertAuth(event rpkica.StoredEvent[CertAuthInitDetails]) (*CertAuth, error) {
	handle, version, details := event.Unwrap()
	if version != 0 {
		return nil, fmt.Errorf("rpkica/ca: CA %s initialized at version %d", handle, version)
	}
	if handle == TrustAnchorID {
		return nil, fmt.Errorf("rpkica/ca: handle %s is reserved for the trust anchor", handle)
	}
	if details.Key == "" {
		return nil, fmt.Errorf("rpkica/ca: CA %s has no key", handle)
	}
	return &CertAuth{handle: handle, version: 1, key: details.Key, children: children{}}, nil
}

func (c *CertAuth) Handle() rpkica.Handle { return c.handle }
func (c *CertAuth) Version() int64        { return c.version }

// Key returns the signing key identifier.
func (c *CertAuth) Key() signer.KeyIdentifier { return c.key }

// Parent returns the parent handle, empty when the CA has none.
func (c *CertAuth) Parent() rpkica.Handle { return c.parent }

// Certificate returns the certificate received from the parent.
func (c *CertAuth) Certificate() (IssuedCertificate, bool) {
	if c.certificate == nil {
		return IssuedCertificate{}, false
	}
	return *c.certificate, true
}

// Resources returns the held resources: those of the parent's certificate.
func (c *CertAuth) Resources() resources.ResourceSet {
	if c.certificate == nil {
		return resources.Empty()
	}
	return c.certificate.Resources
}

// Children returns the child handles, sorted.
func (c *CertAuth) Children() []rpkica.Handle { return c.children.handles() }

// Child returns what the CA knows about a child.
func (c *CertAuth) Child(h rpkica.Handle) (ChildDetails, bool) { return c.children.get(h) }

// Delegated returns the union of all resources delegated to children.
func (c *CertAuth) Delegated() resources.ResourceSet { return c.children.delegated() }

// ProcessCommand validates cmd against the current state.
func (c *CertAuth) ProcessCommand(ctx context.Context, cmd rpkica.SentCommand[CertAuthCommand]) ([]CertAuthEvent, error) {
	held := c.Resources()

	switch d := cmd.Details().(type) {
	case AddParent:
		switch {
		case d.Parent == c.handle:
			return nil, rejectf(c.handle, ErrKindSelfDelegation, "cannot be its own parent")
		case c.parent == d.Parent:
			return nil, nil
		case c.parent != "":
			return nil, rejectf(c.handle, ErrKindParentExists, "already under %s", c.parent)
		}
		return []CertAuthEvent{ParentAdded{Parent: d.Parent}}, nil

	case RemoveParent:
		if c.parent == "" || c.parent != d.Parent {
			return nil, rejectf(c.handle, ErrKindUnknownParent, "parent %s", d.Parent)
		}
		events := []CertAuthEvent{ParentRemoved{Parent: d.Parent}}
		for _, u := range c.children.clip(resources.Empty()) {
			events = append(events, u)
		}
		return events, nil

	case ReceiveCertificate:
		if c.parent == "" || c.parent != d.Parent {
			return nil, rejectf(c.handle, ErrKindUnknownParent, "certificate from %s", d.Parent)
		}
		cert := d.Certificate
		if cert.Issuer != d.Parent || cert.Subject != c.handle || cert.SubjectKey != c.key {
			return nil, rejectf(c.handle, ErrKindInvalidCertificate, "certificate %s is not for this CA", cert)
		}
		// Serials grow with the issuer's version; an older one is a stale redelivery.
		if c.certificate != nil && cert.Issuer == c.certificate.Issuer && cert.Serial <= c.certificate.Serial {
			return nil, nil
		}
		events := []CertAuthEvent{CertificateReceived{Parent: d.Parent, Certificate: cert}}
		for _, u := range c.children.clip(cert.Resources) {
			events = append(events, u)
		}
		return events, nil

	case ReleaseCertificate:
		if c.parent == "" || c.parent != d.Parent {
			return nil, rejectf(c.handle, ErrKindUnknownParent, "release to %s", d.Parent)
		}
		if c.certificate == nil {
			return nil, nil
		}
		events := []CertAuthEvent{CertificateReleased{Parent: d.Parent, Serial: c.certificate.Serial}}
		for _, u := range c.children.clip(resources.Empty()) {
			events = append(events, u)
		}
		return events, nil

	case AddChild:
		e, err := c.children.addChild(c.handle, held, d)
		if err != nil {
			return nil, err
		}
		return []CertAuthEvent{e}, nil

	case UpdateChildResources:
		e, err := c.children.updateChild(c.handle, held, d)
		if err != nil || e == nil {
			return nil, err
		}
		return []CertAuthEvent{*e}, nil

	case RemoveChild:
		e, err := c.children.removeChild(c.handle, d)
		if err != nil {
			return nil, err
		}
		return []CertAuthEvent{e}, nil

	case CertifyChild:
		if c.certificate == nil {
			return nil, rejectf(c.handle, ErrKindNoCertificate, "cannot certify %s before being certified", d.Child)
		}
		e, err := c.children.certifyChild(ctx, c.handle, c.key, c.version, held, d)
		if err != nil {
			return nil, err
		}
		return []CertAuthEvent{e}, nil
	}
	return nil, fmt.Errorf("rpkica/ca: CA cannot handle %T", cmd.Details())
}

// Apply advances the state by one event.
func (c *CertAuth) Apply(event rpkica.StoredEvent[CertAuthEvent]) error {
	if err := checkVersion(c.handle, c.version, event.Version()); err != nil {
		return err
	}

	switch e := event.Details().(type) {
	case ParentAdded:
		if c.parent != "" {
			return fmt.Errorf("%s: parent %s added while under %s", c.handle, e.Parent, c.parent)
		}
		c.parent = e.Parent
	case ParentRemoved:
		if c.parent != e.Parent {
			return fmt.Errorf("%s: removal of unknown parent %s", c.handle, e.Parent)
		}
		c.parent = ""
		c.certificate = nil
	case CertificateReceived:
		if c.parent != e.Parent {
			return fmt.Errorf("%s: certificate from unknown parent %s", c.handle, e.Parent)
		}
		cert := e.Certificate
		c.certificate = &cert
	case CertificateReleased:
		if c.parent != e.Parent || c.certificate == nil {
			return fmt.Errorf("%s: release of a certificate not held from %s", c.handle, e.Parent)
		}
		c.certificate = nil
	default:
		known, err := c.children.apply(e)
		if err != nil {
			return err
		}
		if !known {
			return fmt.Errorf("%s: unexpected event %T", c.handle, e)
		}
	}

	c.version++
	return nil
}

type certAuthState struct {
	Handle      rpkica.Handle        `json:"handle"`
	Version     int64                `json:"version"`
	Key         signer.KeyIdentifier `json:"key"`
	Parent      rpkica.Handle        `json:"parent,omitempty"`
	Certificate *IssuedCertificate   `json:"certificate,omitempty"`
	Children    children             `json:"children"`
}

// MarshalJSON encodes the full state, for snapshots.
func (c *CertAuth) MarshalJSON() ([]byte, error) {
	return json.Marshal(certAuthState{
		Handle:      c.handle,
		Version:     c.version,
		Key:         c.key,
		Parent:      c.parent,
		Certificate: c.certificate,
		Children:    c.children,
	})
}

// UnmarshalJSON restores state encoded by MarshalJSON.
func (c *CertAuth) UnmarshalJSON(data []byte) error {
	var s certAuthState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.Children == nil {
		s.Children = children{}
	}
	*c = CertAuth{
		handle:      s.Handle,
		version:     s.Version,
		key:         s.Key,
		parent:      s.Parent,
		certificate: s.Certificate,
		children:    s.Children,
	}
	return nil
}
