package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/ca"
	"github.com/AshkanYarmoradi/go-rpkica/resources"
)

// ErrNotDelegated is returned when certifying a CA that is not linked to the given parent.
var ErrNotDelegated = errors.New("rpkica/server: child is not delegated to by parent")

// AddChild delegates res from parent to child and links child to parent.
// Parent may be the trust anchor; child must be an existing CA without a
// parent that is not an ancestor of parent.
func (s *Server) AddChild(ctx context.Context, parent, child rpkica.Handle, res resources.ResourceSet) error {
	if child == parent || child == ca.TrustAnchorID {
		return fmt.Errorf("%w: %s under %s", ErrCyclicDelegation, child, parent)
	}

	ctx = correlate(ctx)
	unlock, err := s.lockDelegations(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if ok, err := s.exists(ctx, parent); err != nil {
		return err
	} else if !ok {
		return notFound(namespaceOf(parent), parent)
	}

	c, err := s.cas.Get(ctx, child)
	if err != nil {
		return err
	}
	if c.Parent() != "" {
		return fmt.Errorf("%w: %s is under %s", ErrParentAlreadySet, child, c.Parent())
	}
	if err := s.checkAncestry(ctx, parent, child); err != nil {
		return err
	}

	if _, err := s.sendToParent(ctx, parent, ca.AddChild{Child: child, Resources: res}); err != nil {
		return err
	}
	if _, err := send(ctx, s, s.cas, child, ca.CertAuthCommand(ca.AddParent{Parent: parent})); err != nil {
		s.logger.Warn("Linking child failed, withdrawing delegation", "parent", parent, "child", child, "error", err)
		if _, undoErr := s.sendToParent(ctx, parent, ca.RemoveChild{Child: child}); undoErr != nil {
			return errors.Join(err, fmt.Errorf("withdraw delegation to %s: %w", child, undoErr))
		}
		return err
	}

	s.logger.Info("Child added", "parent", parent, "child", child, "resources", res.String())
	return nil
}

// checkAncestry walks from parent towards the trust anchor and fails when it
// meets child.
func (s *Server) checkAncestry(ctx context.Context, parent, child rpkica.Handle) error {
	seen := map[rpkica.Handle]bool{}
	for cur := parent; cur != "" && cur != ca.TrustAnchorID; {
		if cur == child {
			return fmt.Errorf("%w: %s is an ancestor of %s", ErrCyclicDelegation, child, parent)
		}
		if seen[cur] {
			return fmt.Errorf("%w: existing loop through %s", ErrCyclicDelegation, cur)
		}
		seen[cur] = true

		c, err := s.cas.Get(ctx, cur)
		if err != nil {
			return err
		}
		cur = c.Parent()
	}
	return nil
}

// UpdateChildResources replaces the resources delegated to child. A child
// certificate that no longer matches is replaced, or released when nothing
// is left.
func (s *Server) UpdateChildResources(ctx context.Context, parent, child rpkica.Handle, res resources.ResourceSet) error {
	ctx = correlate(ctx)
	if _, err := s.sendToParent(ctx, parent, ca.UpdateChildResources{Child: child, Resources: res}); err != nil {
		return err
	}
	return s.reconcile(ctx, parent, child)
}

// RemoveChild withdraws the delegation to child and unlinks it from parent.
func (s *Server) RemoveChild(ctx context.Context, parent, child rpkica.Handle) error {
	ctx = correlate(ctx)
	unlock, err := s.lockDelegations(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.sendToParent(ctx, parent, ca.RemoveChild{Child: child}); err != nil {
		return err
	}
	return s.reconcile(ctx, parent, child)
}

// CertifyChild has parent issue a certificate for the current entitlement of
// child, and installs it at child.
func (s *Server) CertifyChild(ctx context.Context, parent, child rpkica.Handle) (*ca.IssuedCertificate, error) {
	ctx = correlate(ctx)
	c, err := s.cas.Get(ctx, child)
	if err != nil {
		return nil, err
	}
	if c.Parent() != parent {
		return nil, fmt.Errorf("%w: %s is not under %s", ErrNotDelegated, child, parent)
	}
	cert, err := s.certify(ctx, parent, c)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *Server) certify(ctx context.Context, parent rpkica.Handle, child *ca.CertAuth) (ca.IssuedCertificate, error) {
	events, err := s.sendToParent(ctx, parent, ca.CertifyChild{
		Child:      child.Handle(),
		SubjectKey: child.Key(),
		Now:        s.clock(),
		Validity:   s.validity,
		Signer:     s.signer,
	})
	if err != nil {
		return ca.IssuedCertificate{}, err
	}

	var cert ca.IssuedCertificate
	found := false
	for _, e := range events {
		if issued, ok := e.(ca.ChildCertificateIssued); ok && issued.Child == child.Handle() {
			cert, found = issued.Certificate, true
		}
	}
	if !found {
		return ca.IssuedCertificate{}, fmt.Errorf("rpkica/server: %s issued no certificate to %s", parent, child.Handle())
	}
	if err := cert.Verify(ctx, s.signer); err != nil {
		return ca.IssuedCertificate{}, fmt.Errorf("rpkica/server: certificate %s does not verify: %w", cert, err)
	}
	if err := s.receive(ctx, parent, child.Handle(), cert); err != nil {
		return ca.IssuedCertificate{}, err
	}

	s.logger.Info("Child certified", "parent", parent, "child", child.Handle(), "serial", cert.Serial)
	return cert, nil
}

func (s *Server) receive(ctx context.Context, parent, child rpkica.Handle, cert ca.IssuedCertificate) error {
	_, err := send(ctx, s, s.cas, child, ca.CertAuthCommand(ca.ReceiveCertificate{Parent: parent, Certificate: cert}))
	return err
}

// reconcile brings child in line with what parent records about it. It only
// reads current state, so running it again, or after a newer change, is
// harmless.
func (s *Server) reconcile(ctx context.Context, parent, child rpkica.Handle) error {
	c, err := s.cas.Get(ctx, child)
	if errors.Is(err, rpkica.ErrAggregateNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.Parent() != parent {
		return nil
	}

	d, delegated, err := s.childOf(ctx, parent, child)
	if err != nil && !errors.Is(err, rpkica.ErrAggregateNotFound) {
		return err
	}
	if !delegated {
		s.logger.Info("Unlinking removed child", "parent", parent, "child", child)
		_, err := send(ctx, s, s.cas, child, ca.CertAuthCommand(ca.RemoveParent{Parent: parent}))
		return err
	}

	cert, certified := c.Certificate()
	switch {
	case !certified:
		return nil
	case d.Resources.IsEmpty():
		s.logger.Info("Releasing certificate", "parent", parent, "child", child, "serial", cert.Serial)
		_, err := send(ctx, s, s.cas, child, ca.CertAuthCommand(ca.ReleaseCertificate{Parent: parent}))
		return err
	}

	if latest := d.Certificate; latest != nil && latest.SubjectKey == c.Key() && latest.Resources.Equal(d.Resources) {
		if cert.Issuer == parent && cert.Serial >= latest.Serial {
			return nil
		}
		s.logger.Info("Delivering issued certificate", "parent", parent, "child", child, "serial", latest.Serial)
		return s.receive(ctx, parent, child, *latest)
	}
	if cert.Issuer == parent && cert.Resources.Equal(d.Resources) {
		return nil
	}
	_, err = s.certify(ctx, parent, c)
	return err
}

func namespaceOf(handle rpkica.Handle) string {
	if handle == ca.TrustAnchorID {
		return ca.TrustAnchorNamespace
	}
	return ca.CertAuthNamespace
}
