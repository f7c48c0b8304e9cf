package ca

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/resources"
	"github.com/AshkanYarmoradi/go-rpkica/signer"
)

// TrustAnchor is the root CA. It holds its resources by definition and never
// gives any of them up; it only delegates subsets of them to children.
type TrustAnchor struct {
	handle    rpkica.Handle
	version   int64
	key       signer.KeyIdentifier
	resources resources.ResourceSet
	children  children
}

var _ rpkica.Aggregate[TrustAnchorCommand, TrustAnchorEvent] = (*TrustAnchor)(nil)

// WithAllResources builds the genesis event of a trust anchor holding every
// Internet number resource.
func WithAllResources(handle rpkica.Handle, key signer.KeyIdentifier) rpkica.StoredEvent[TrustAnchorInitDetails] {
	return rpkica.NewStoredEvent(handle, 0, TrustAnchorInitDetails{Resources: resources.All(), Key: key})
}

// InitTrustAnchor builds a trust anchor from its genesis event.
func InitTrustAnchor(event rpkica.StoredEvent[TrustAnchorInitDetails]) (*TrustAnchor, error) {
	handle, version, details := event.Unwrap()
	if version != 0 {
		return nil, fmt.Errorf("rpkica/ca: trust anchor %s initialized at version %d", handle, version)
	}
	if details.Key == "" {
		return nil, fmt.Errorf("rpkica/ca: trust anchor %s has no key", handle)
	}
	return &TrustAnchor{
		handle:    handle,
		version:   1,
		key:       details.Key,
		resources: details.Resources,
		children:  children{},
	}, nil
}

func (ta *TrustAnchor) Handle() rpkica.Handle { return ta.handle }
func (ta *TrustAnchor) Version() int64        { return ta.version }

// Key returns the signing key identifier.
func (ta *TrustAnchor) Key() signer.KeyIdentifier { return ta.key }

// Resources returns the held resources.
func (ta *TrustAnchor) Resources() resources.ResourceSet { return ta.resources }

// Children returns the child handles, sorted.
func (ta *TrustAnchor) Children() []rpkica.Handle { return ta.children.handles() }

// Child returns what the trust anchor knows about a child.
func (ta *TrustAnchor) Child(h rpkica.Handle) (ChildDetails, bool) { return ta.children.get(h) }

// Delegated returns the union of all resources delegated to children.
func (ta *TrustAnchor) Delegated() resources.ResourceSet { return ta.children.delegated() }

// ProcessCommand validates cmd against the current state.
func (ta *TrustAnchor) ProcessCommand(ctx context.Context, cmd rpkica.SentCommand[TrustAnchorCommand]) ([]TrustAnchorEvent, error) {
	switch d := cmd.Details().(type) {
	case AddChild:
		e, err := ta.children.addChild(ta.handle, ta.resources, d)
		if err != nil {
			return nil, err
		}
		return []TrustAnchorEvent{e}, nil

	case UpdateChildResources:
		e, err := ta.children.updateChild(ta.handle, ta.resources, d)
		if err != nil || e == nil {
			return nil, err
		}
		return []TrustAnchorEvent{*e}, nil

	case RemoveChild:
		e, err := ta.children.removeChild(ta.handle, d)
		if err != nil {
			return nil, err
		}
		return []TrustAnchorEvent{e}, nil

	case CertifyChild:
		e, err := ta.children.certifyChild(ctx, ta.handle, ta.key, ta.version, ta.resources, d)
		if err != nil {
			return nil, err
		}
		return []TrustAnchorEvent{e}, nil
	}
	return nil, fmt.Errorf("rpkica/ca: trust anchor cannot handle %T", cmd.Details())
}

// Apply advances the state by one event.
func (ta *TrustAnchor) Apply(event rpkica.StoredEvent[TrustAnchorEvent]) error {
	if err := checkVersion(ta.handle, ta.version, event.Version()); err != nil {
		return err
	}
	known, err := ta.children.apply(event.Details())
	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("%s: unexpected event %T", ta.handle, event.Details())
	}
	ta.version++
	return nil
}

type trustAnchorState struct {
	Handle    rpkica.Handle         `json:"handle"`
	Version   int64                 `json:"version"`
	Key       signer.KeyIdentifier  `json:"key"`
	Resources resources.ResourceSet `json:"resources"`
	Children  children              `json:"children"`
}

// MarshalJSON encodes the full state, for snapshots.
func (ta *TrustAnchor) MarshalJSON() ([]byte, error) {
	return json.Marshal(trustAnchorState{
		Handle:    ta.handle,
		Version:   ta.version,
		Key:       ta.key,
		Resources: ta.resources,
		Children:  ta.children,
	})
}

// UnmarshalJSON restores state encoded by MarshalJSON.
func (ta *TrustAnchor) UnmarshalJSON(data []byte) error {
	var s trustAnchorState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.Children == nil {
		s.Children = children{}
	}
	*ta = TrustAnchor{
		handle:    s.Handle,
		version:   s.Version,
		key:       s.Key,
		resources: s.Resources,
		children:  s.Children,
	}
	return nil
}
