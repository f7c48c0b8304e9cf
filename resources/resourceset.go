// Package resources implements Internet number resource sets: ASNs,
// IPv4 and IPv6 address blocks, and the set algebra used to check that a
// delegation never grants more than its issuer holds.
//
// All sets are kept normalized so two sets holding the same resources are
// equal regardless of how they were written down.
package resources

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResourceSet is an immutable combination of ASN, IPv4 and IPv6 blocks.
// The zero value is the empty set.
type ResourceSet struct {
	asn ASNBlocks
	v4  IPBlocks
	v6  IPBlocks
}

// New builds a set from already parsed blocks.
func New(asn ASNBlocks, v4, v6 IPBlocks) ResourceSet {
	return ResourceSet{asn: asn, v4: v4.withFamily(IPv4), v6: v6.withFamily(IPv6)}
}

func (b IPBlocks) withFamily(f Family) IPBlocks {
	if b.set == nil {
		return EmptyIPBlocks(f)
	}
	b.family = f
	return b
}

// Empty returns a set holding nothing.
func Empty() ResourceSet {
	return ResourceSet{v4: EmptyIPBlocks(IPv4), v6: EmptyIPBlocks(IPv6)}
}

// All returns the set of every ASN and every IPv4 and IPv6 address.
func All() ResourceSet {
	return ResourceSet{asn: AllASNs(), v4: AllIPBlocks(IPv4), v6: AllIPBlocks(IPv6)}
}

// FromStrs parses the three comma separated component lists. Empty strings
// yield empty components.
func FromStrs(asn, v4, v6 string) (ResourceSet, error) {
	a, err := ParseASNBlocks(asn)
	if err != nil {
		return ResourceSet{}, err
	}
	four, err := ParseIPBlocks(IPv4, v4)
	if err != nil {
		return ResourceSet{}, err
	}
	six, err := ParseIPBlocks(IPv6, v6)
	if err != nil {
		return ResourceSet{}, err
	}
	return ResourceSet{asn: a, v4: four, v6: six}, nil
}

// MustFromStrs is FromStrs for literals known to be valid. It panics on error.
func MustFromStrs(asn, v4, v6 string) ResourceSet {
	set, err := FromStrs(asn, v4, v6)
	if err != nil {
		panic(err)
	}
	return set
}

// ASNs returns the ASN component.
func (s ResourceSet) ASNs() ASNBlocks { return s.asn }

// IPv4 returns the IPv4 component.
func (s ResourceSet) IPv4() IPBlocks { return s.v4.withFamily(IPv4) }

// IPv6 returns the IPv6 component.
func (s ResourceSet) IPv6() IPBlocks { return s.v6.withFamily(IPv6) }

// IsEmpty reports whether the set holds no resource at all.
func (s ResourceSet) IsEmpty() bool {
	return s.asn.IsEmpty() && s.IPv4().IsEmpty() && s.IPv6().IsEmpty()
}

// Union returns the resources held by either set.
func (s ResourceSet) Union(other ResourceSet) ResourceSet {
	return ResourceSet{
		asn: s.asn.Union(other.asn),
		v4:  s.IPv4().Union(other.IPv4()),
		v6:  s.IPv6().Union(other.IPv6()),
	}
}

// Intersection returns the resources held by both sets.
func (s ResourceSet) Intersection(other ResourceSet) ResourceSet {
	return ResourceSet{
		asn: s.asn.Intersection(other.asn),
		v4:  s.IPv4().Intersection(other.IPv4()),
		v6:  s.IPv6().Intersection(other.IPv6()),
	}
}

// Difference returns the resources of s that other does not hold.
func (s ResourceSet) Difference(other ResourceSet) ResourceSet {
	return ResourceSet{
		asn: s.asn.Difference(other.asn),
		v4:  s.IPv4().Difference(other.IPv4()),
		v6:  s.IPv6().Difference(other.IPv6()),
	}
}

// Encompasses reports whether s holds every resource of other.
func (s ResourceSet) Encompasses(other ResourceSet) bool {
	return s.asn.Encompasses(other.asn) &&
		s.IPv4().Encompasses(other.IPv4()) &&
		s.IPv6().Encompasses(other.IPv6())
}

// Equal reports whether both sets hold exactly the same resources.
func (s ResourceSet) Equal(other ResourceSet) bool {
	return s.asn.Equal(other.asn) &&
		s.IPv4().Equal(other.IPv4()) &&
		s.IPv6().Equal(other.IPv6())
}

const noneLabel = "none"

func orNone(s string) string {
	if s == "" {
		return noneLabel
	}
	return s
}

// String renders "asn: ..., ipv4: ..., ipv6: ..." with "none" for empty
// components. Parse accepts the same form.
func (s ResourceSet) String() string {
	return fmt.Sprintf("asn: %s, ipv4: %s, ipv6: %s",
		orNone(s.asn.String()), orNone(s.IPv4().String()), orNone(s.IPv6().String()))
}

// Parse reads the String form of a set.
func Parse(text string) (ResourceSet, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(text), "asn:")
	if !ok {
		return ResourceSet{}, parseErr(KindMalformed, text, fmt.Errorf("missing asn component"))
	}
	asn, rest, ok := strings.Cut(rest, ", ipv4:")
	if !ok {
		return ResourceSet{}, parseErr(KindMalformed, text, fmt.Errorf("missing ipv4 component"))
	}
	v4, v6, ok := strings.Cut(rest, ", ipv6:")
	if !ok {
		return ResourceSet{}, parseErr(KindMalformed, text, fmt.Errorf("missing ipv6 component"))
	}
	return FromStrs(fromNone(asn), fromNone(v4), fromNone(v6))
}

func fromNone(s string) string {
	s = strings.TrimSpace(s)
	if s == noneLabel {
		return ""
	}
	return s
}

type resourceSetJSON struct {
	ASN  string `json:"asn"`
	IPv4 string `json:"ipv4"`
	IPv6 string `json:"ipv6"`
}

// MarshalJSON encodes the set as {"asn": ..., "ipv4": ..., "ipv6": ...}.
func (s ResourceSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(resourceSetJSON{
		ASN:  s.asn.String(),
		IPv4: s.IPv4().String(),
		IPv6: s.IPv6().String(),
	})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (s *ResourceSet) UnmarshalJSON(data []byte) error {
	var raw resourceSetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	set, err := FromStrs(raw.ASN, raw.IPv4, raw.IPv6)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

// MarshalText encodes the String form, used by binary codecs.
func (s ResourceSet) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes the String form.
func (s *ResourceSet) UnmarshalText(text []byte) error {
	set, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = set
	return nil
}
