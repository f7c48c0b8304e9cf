// Package ca holds the certificate authority aggregates: the TrustAnchor at
// the root of the delegation hierarchy and the CertAuth for every CA below it.
//
// Both aggregates track the resources delegated to their children and issue
// child certificates covering exactly those resources. A CA never delegates
// resources it does not hold itself.
package ca

import "github.com/AshkanYarmoradi/go-rpkica"

const (
	// TrustAnchorID is the handle of the trust anchor.
	TrustAnchorID rpkica.Handle = "ta"

	// TrustAnchorNamespace is the store namespace of the trust anchor.
	TrustAnchorNamespace = "trustanchors"

	// CertAuthNamespace is the store namespace of the CAs below the trust anchor.
	CertAuthNamespace = "cas"
)
