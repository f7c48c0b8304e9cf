package ca

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/resources"
	"github.com/AshkanYarmoradi/go-rpkica/signer"
)

// DefaultValidity is the certificate lifetime used when a CertifyChild
// command does not set one.
const DefaultValidity = 365 * 24 * time.Hour

// IssuedCertificate is a resource certificate issued by a CA to a child.
type IssuedCertificate struct {
	Serial     uint64                `json:"serial"`
	Issuer     rpkica.Handle         `json:"issuer"`
	IssuerKey  signer.KeyIdentifier  `json:"issuerKey"`
	Subject    rpkica.Handle         `json:"subject"`
	SubjectKey signer.KeyIdentifier  `json:"subjectKey"`
	Resources  resources.ResourceSet `json:"resources"`
	NotBefore  time.Time             `json:"notBefore"`
	NotAfter   time.Time             `json:"notAfter"`
	Signature  signer.Signature      `json:"signature"`
}

// tbsCertificate is the signed portion of a certificate. Field order is fixed
// and times are second precision UTC, so the encoding is canonical.
type tbsCertificate struct {
	Serial     uint64               `json:"serial"`
	Issuer     rpkica.Handle        `json:"issuer"`
	IssuerKey  signer.KeyIdentifier `json:"issuerKey"`
	Subject    rpkica.Handle        `json:"subject"`
	SubjectKey signer.KeyIdentifier `json:"subjectKey"`
	ASN        string               `json:"asn"`
	IPv4       string               `json:"ipv4"`
	IPv6       string               `json:"ipv6"`
	NotBefore  string               `json:"notBefore"`
	NotAfter   string               `json:"notAfter"`
}

// TBS returns the canonical bytes covered by the signature.
func (c IssuedCertificate) TBS() ([]byte, error) {
	return json.Marshal(tbsCertificate{
		Serial:     c.Serial,
		Issuer:     c.Issuer,
		IssuerKey:  c.IssuerKey,
		Subject:    c.Subject,
		SubjectKey: c.SubjectKey,
		ASN:        c.Resources.ASNs().String(),
		IPv4:       c.Resources.IPv4().String(),
		IPv6:       c.Resources.IPv6().String(),
		NotBefore:  c.NotBefore.UTC().Format(time.RFC3339),
		NotAfter:   c.NotAfter.UTC().Format(time.RFC3339),
	})
}

// Verify checks the signature with the issuer key held by s.
func (c IssuedCertificate) Verify(ctx context.Context, s signer.Signer) error {
	tbs, err := c.TBS()
	if err != nil {
		return err
	}
	return s.Verify(ctx, c.IssuerKey, tbs, c.Signature)
}

// ValidAt reports whether t falls within the validity window.
func (c IssuedCertificate) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore) && t.Before(c.NotAfter)
}

func (c IssuedCertificate) String() string {
	return fmt.Sprintf("#%d %s -> %s [%s]", c.Serial, c.Issuer, c.Subject, c.Resources)
}

// issue builds and signs a certificate for child. The serial is the issuer's
// version, which only ever grows.
func issue(ctx context.Context, issuer rpkica.Handle, issuerKey signer.KeyIdentifier, version int64,
	child rpkica.Handle, entitled resources.ResourceSet, cmd CertifyChild) (IssuedCertificate, error) {
	if cmd.Signer == nil {
		return IssuedCertificate{}, rejectf(issuer, ErrKindSigner, "no signer configured")
	}
	if cmd.SubjectKey == "" {
		return IssuedCertificate{}, rejectf(issuer, ErrKindSigner, "child %s has no key", child)
	}
	now := cmd.Now
	if now.IsZero() {
		now = time.Now()
	}
	validity := cmd.Validity
	if validity <= 0 {
		validity = DefaultValidity
	}
	notBefore := now.UTC().Truncate(time.Second)

	cert := IssuedCertificate{
		Serial:     uint64(version),
		Issuer:     issuer,
		IssuerKey:  issuerKey,
		Subject:    child,
		SubjectKey: cmd.SubjectKey,
		Resources:  entitled,
		NotBefore:  notBefore,
		NotAfter:   notBefore.Add(validity),
	}
	tbs, err := cert.TBS()
	if err != nil {
		return IssuedCertificate{}, err
	}
	cert.Signature, err = cmd.Signer.Sign(ctx, issuerKey, tbs)
	if err != nil {
		return IssuedCertificate{}, &Error{Kind: ErrKindSigner, CA: issuer, Detail: "sign certificate", Cause: err}
	}
	return cert, nil
}
