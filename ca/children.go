package ca

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/resources"
	"github.com/AshkanYarmoradi/go-rpkica/signer"
)

// ChildDetails is what a CA knows about one of its children.
type ChildDetails struct {
	Resources   resources.ResourceSet `json:"resources"`
	Certificate *IssuedCertificate    `json:"certificate,omitempty"`
}

// children is the delegation bookkeeping shared by both CA aggregates.
type children map[rpkica.Handle]ChildDetails

func (c children) handles() []rpkica.Handle {
	return slices.Sorted(maps.Keys(c))
}

func (c children) get(h rpkica.Handle) (ChildDetails, bool) {
	d, ok := c[h]
	if ok && d.Certificate != nil {
		cert := *d.Certificate
		d.Certificate = &cert
	}
	return d, ok
}

func (c children) delegated() resources.ResourceSet {
	out := resources.Empty()
	for _, d := range c {
		out = out.Union(d.Resources)
	}
	return out
}

func (c children) addChild(self rpkica.Handle, held resources.ResourceSet, cmd AddChild) (ChildAdded, error) {
	if cmd.Child == self {
		return ChildAdded{}, rejectf(self, ErrKindSelfDelegation, "cannot add itself as a child")
	}
	if _, ok := c[cmd.Child]; ok {
		return ChildAdded{}, rejectf(self, ErrKindChildExists, "child %s", cmd.Child)
	}
	if err := checkEntitlement(self, held, cmd.Resources); err != nil {
		return ChildAdded{}, err
	}
	return ChildAdded{Child: cmd.Child, Resources: cmd.Resources}, nil
}

// updateChild returns nil when the resources are unchanged.
func (c children) updateChild(self rpkica.Handle, held resources.ResourceSet, cmd UpdateChildResources) (*ChildUpdatedResources, error) {
	current, ok := c[cmd.Child]
	if !ok {
		return nil, rejectf(self, ErrKindUnknownChild, "child %s", cmd.Child)
	}
	if current.Resources.Equal(cmd.Resources) {
		return nil, nil
	}
	if err := checkEntitlement(self, held, cmd.Resources); err != nil {
		return nil, err
	}
	return &ChildUpdatedResources{Child: cmd.Child, Resources: cmd.Resources}, nil
}

func (c children) removeChild(self rpkica.Handle, cmd RemoveChild) (ChildRemoved, error) {
	if _, ok := c[cmd.Child]; !ok {
		return ChildRemoved{}, rejectf(self, ErrKindUnknownChild, "child %s", cmd.Child)
	}
	return ChildRemoved{Child: cmd.Child}, nil
}

func (c children) certifyChild(ctx context.Context, self rpkica.Handle, key signer.KeyIdentifier, version int64,
	held resources.ResourceSet, cmd CertifyChild) (ChildCertificateIssued, error) {
	child, ok := c[cmd.Child]
	if !ok {
		return ChildCertificateIssued{}, rejectf(self, ErrKindUnknownChild, "child %s", cmd.Child)
	}
	if child.Resources.IsEmpty() {
		return ChildCertificateIssued{}, rejectf(self, ErrKindEmptyResources, "child %s has no resources to certify", cmd.Child)
	}
	if !held.Encompasses(child.Resources) {
		return ChildCertificateIssued{}, rejectf(self, ErrKindResourcesNotHeld, "child %s is entitled to %s", cmd.Child, child.Resources)
	}
	cert, err := issue(ctx, self, key, version, cmd.Child, child.Resources, cmd)
	if err != nil {
		return ChildCertificateIssued{}, err
	}
	return ChildCertificateIssued{Child: cmd.Child, Certificate: cert}, nil
}

// clip returns an update for every child whose resources are no longer held,
// narrowing it to what is still held.
func (c children) clip(held resources.ResourceSet) []ChildUpdatedResources {
	var out []ChildUpdatedResources
	for _, h := range c.handles() {
		d := c[h]
		if held.Encompasses(d.Resources) {
			continue
		}
		out = append(out, ChildUpdatedResources{Child: h, Resources: d.Resources.Intersection(held)})
	}
	return out
}

// apply handles the child events common to both aggregates. It reports
// false for events it does not know.
func (c children) apply(event any) (bool, error) {
	switch e := event.(type) {
	case ChildAdded:
		if _, ok := c[e.Child]; ok {
			return true, fmt.Errorf("child %s already present", e.Child)
		}
		c[e.Child] = ChildDetails{Resources: e.Resources}
	case ChildUpdatedResources:
		d, ok := c[e.Child]
		if !ok {
			return true, fmt.Errorf("update for unknown child %s", e.Child)
		}
		d.Resources = e.Resources
		c[e.Child] = d
	case ChildRemoved:
		if _, ok := c[e.Child]; !ok {
			return true, fmt.Errorf("removal of unknown child %s", e.Child)
		}
		delete(c, e.Child)
	case ChildCertificateIssued:
		d, ok := c[e.Child]
		if !ok {
			return true, fmt.Errorf("certificate for unknown child %s", e.Child)
		}
		cert := e.Certificate
		d.Certificate = &cert
		c[e.Child] = d
	default:
		return false, nil
	}
	return true, nil
}

func checkEntitlement(self rpkica.Handle, held, requested resources.ResourceSet) error {
	if requested.IsEmpty() {
		return rejectf(self, ErrKindEmptyResources, "a child must be given resources")
	}
	if !held.Encompasses(requested) {
		return rejectf(self, ErrKindResourcesNotHeld, "%s not held", requested.Difference(held))
	}
	return nil
}

func checkVersion(self rpkica.Handle, version, eventVersion int64) error {
	if eventVersion != version {
		return fmt.Errorf("%s: event version %d does not follow aggregate version %d", self, eventVersion, version)
	}
	return nil
}
