package ca

import (
	"context"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/adapters/memory"
	"github.com/AshkanYarmoradi/go-rpkica/resources"
	"github.com/AshkanYarmoradi/go-rpkica/signer"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx     context.Context
	adapter *memory.MemoryAdapter
	signer  *signer.SoftSigner
	taKey   signer.KeyIdentifier
	tas     *TrustAnchorStore
	cas     *CertAuthStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := signer.NewSoftSigner()
	key, err := s.CreateKey(ctx)
	require.NoError(t, err)

	adapter := memory.NewAdapter()
	f := &fixture{
		ctx:     ctx,
		adapter: adapter,
		signer:  s,
		taKey:   key,
		tas:     NewTrustAnchorStore(adapter),
		cas:     NewCertAuthStore(adapter),
	}
	_, err = f.tas.Add(ctx, WithAllResources(TrustAnchorID, key), rpkica.Metadata{Actor: "test"})
	require.NoError(t, err)
	return f
}

func (f *fixture) ta(t *testing.T, cmd TrustAnchorCommand) ([]rpkica.StoredEvent[TrustAnchorEvent], error) {
	t.Helper()
	return f.tas.Command(f.ctx, TrustAnchorCmd(rpkica.AnyVersion, cmd))
}

func (f *fixture) mustTA(t *testing.T, cmd TrustAnchorCommand) []rpkica.StoredEvent[TrustAnchorEvent] {
	t.Helper()
	events, err := f.ta(t, cmd)
	require.NoError(t, err)
	return events
}

func (f *fixture) getTA(t *testing.T) *TrustAnchor {
	t.Helper()
	ta, err := f.tas.Get(f.ctx, TrustAnchorID)
	require.NoError(t, err)
	return ta
}

func (f *fixture) addCA(t *testing.T, h rpkica.Handle) signer.KeyIdentifier {
	t.Helper()
	key, err := f.signer.CreateKey(f.ctx)
	require.NoError(t, err)
	_, err = f.cas.Add(f.ctx, NewCertAuthInit(h, key), rpkica.Metadata{})
	require.NoError(t, err)
	return key
}

func (f *fixture) ca(t *testing.T, h rpkica.Handle, cmd CertAuthCommand) ([]rpkica.StoredEvent[CertAuthEvent], error) {
	t.Helper()
	return f.cas.Command(f.ctx, CertAuthCmd(h, rpkica.AnyVersion, cmd))
}

func (f *fixture) mustCA(t *testing.T, h rpkica.Handle, cmd CertAuthCommand) []rpkica.StoredEvent[CertAuthEvent] {
	t.Helper()
	events, err := f.ca(t, h, cmd)
	require.NoError(t, err)
	return events
}

func (f *fixture) getCA(t *testing.T, h rpkica.Handle) *CertAuth {
	t.Helper()
	c, err := f.cas.Get(f.ctx, h)
	require.NoError(t, err)
	return c
}

// delegate adds h under the trust anchor with res and installs the certificate.
func (f *fixture) delegate(t *testing.T, h rpkica.Handle, res resources.ResourceSet) {
	t.Helper()
	key := f.addCA(t, h)
	f.mustTA(t, AddChild{Child: h, Resources: res})
	f.mustCA(t, h, AddParent{Parent: TrustAnchorID})
	events := f.mustTA(t, CertifyChild{Child: h, SubjectKey: key, Now: testNow, Signer: f.signer})
	issued := events[0].Details().(ChildCertificateIssued)
	f.mustCA(t, h, ReceiveCertificate{Parent: TrustAnchorID, Certificate: issued.Certificate})
}

func mustRes(asn, v4, v6 string) resources.ResourceSet {
	return resources.MustFromStrs(asn, v4, v6)
}

// signerWithoutKeys returns a signer that does not hold the trust anchor key.
func (f *fixture) signerWithoutKeys() *signer.SoftSigner {
	return signer.NewSoftSigner()
}
