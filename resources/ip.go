package resources

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"go4.org/netipx"
)

// Family is an IP address family.
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

// String returns "ipv4" or "ipv6".
func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// matches reports whether a belongs to the family. IPv4-mapped addresses
// (::ffff:0:0/96) are ordinary IPv6 space.
func (f Family) matches(a netip.Addr) bool {
	if f == IPv4 {
		return a.Is4()
	}
	return a.Is6()
}

func (f Family) all() netip.Prefix {
	if f == IPv4 {
		return netip.MustParsePrefix("0.0.0.0/0")
	}
	return netip.MustParsePrefix("::/0")
}

// IPBlocks is a normalized set of addresses of one family. Values are
// immutable; every operation returns a new set.
type IPBlocks struct {
	family Family
	set    *netipx.IPSet
}

// EmptyIPBlocks returns the empty set for the family.
func EmptyIPBlocks(f Family) IPBlocks {
	var b netipx.IPSetBuilder
	set, _ := b.IPSet()
	return IPBlocks{family: f, set: set}
}

// AllIPBlocks returns the whole address space of the family.
func AllIPBlocks(f Family) IPBlocks {
	var b netipx.IPSetBuilder
	b.AddPrefix(f.all())
	set, _ := b.IPSet()
	return IPBlocks{family: f, set: set}
}

// ParseIPBlocks parses a comma separated list of prefixes, ranges
// ("a-b") and single addresses of the given family.
func ParseIPBlocks(f Family, s string) (IPBlocks, error) {
	var b netipx.IPSetBuilder
	for _, item := range splitItems(s) {
		if err := addItem(&b, f, item); err != nil {
			return IPBlocks{}, err
		}
	}
	set, err := b.IPSet()
	if err != nil {
		return IPBlocks{}, parseErr(KindMalformed, s, err)
	}
	return IPBlocks{family: f, set: set}, nil
}

func addItem(b *netipx.IPSetBuilder, f Family, item string) error {
	switch {
	case strings.Contains(item, "/"):
		p, err := netip.ParsePrefix(item)
		if err != nil {
			return parseErr(KindMalformed, item, err)
		}
		if !f.matches(p.Addr()) {
			return parseErr(KindWrongFamily, item, nil)
		}
		if p.Masked() != p {
			return parseErr(KindHostBits, item, nil)
		}
		b.AddPrefix(p)
	case strings.Contains(item, "-"):
		from, to, _ := strings.Cut(item, "-")
		lo, err := parseAddr(f, item, from)
		if err != nil {
			return err
		}
		hi, err := parseAddr(f, item, to)
		if err != nil {
			return err
		}
		if hi.Less(lo) {
			return parseErr(KindReversedRange, item, nil)
		}
		b.AddRange(netipx.IPRangeFrom(lo, hi))
	default:
		a, err := parseAddr(f, item, item)
		if err != nil {
			return err
		}
		b.Add(a)
	}
	return nil
}

// parseAddr parses one address of item. Zones are not resources.
func parseAddr(f Family, item, s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, parseErr(KindMalformed, item, err)
	}
	if a.Zone() != "" {
		return netip.Addr{}, parseErr(KindMalformed, item, fmt.Errorf("zoned address"))
	}
	if !f.matches(a) {
		return netip.Addr{}, parseErr(KindWrongFamily, item, nil)
	}
	return a, nil
}

// Family returns the address family of the set.
func (b IPBlocks) Family() Family {
	return b.family
}

func (b IPBlocks) ipset() *netipx.IPSet {
	if b.set == nil {
		return EmptyIPBlocks(b.family).set
	}
	return b.set
}

// IsEmpty reports whether the set holds no address.
func (b IPBlocks) IsEmpty() bool {
	return len(b.ipset().Ranges()) == 0
}

// Ranges returns the normalized address ranges of the set.
func (b IPBlocks) Ranges() []netipx.IPRange {
	return b.ipset().Ranges()
}

// Prefixes returns the minimal list of prefixes covering the set.
func (b IPBlocks) Prefixes() []netip.Prefix {
	return b.ipset().Prefixes()
}

// ContainsPrefix reports whether p lies entirely inside the set.
func (b IPBlocks) ContainsPrefix(p netip.Prefix) bool {
	return b.ipset().ContainsPrefix(p)
}

func (b IPBlocks) build(fn func(*netipx.IPSetBuilder)) IPBlocks {
	var builder netipx.IPSetBuilder
	builder.AddSet(b.ipset())
	fn(&builder)
	set, _ := builder.IPSet()
	return IPBlocks{family: b.family, set: set}
}

// Union returns every address in b or other.
func (b IPBlocks) Union(other IPBlocks) IPBlocks {
	return b.build(func(s *netipx.IPSetBuilder) { s.AddSet(other.ipset()) })
}

// Intersection returns every address in both b and other.
func (b IPBlocks) Intersection(other IPBlocks) IPBlocks {
	return b.build(func(s *netipx.IPSetBuilder) { s.Intersect(other.ipset()) })
}

// Difference returns every address in b that is not in other.
func (b IPBlocks) Difference(other IPBlocks) IPBlocks {
	return b.build(func(s *netipx.IPSetBuilder) { s.RemoveSet(other.ipset()) })
}

// Encompasses reports whether every address in other is also in b.
func (b IPBlocks) Encompasses(other IPBlocks) bool {
	set := b.ipset()
	for _, r := range other.Ranges() {
		if !set.ContainsRange(r) {
			return false
		}
	}
	return true
}

// Equal reports structural equality of the normalized sets.
func (b IPBlocks) Equal(other IPBlocks) bool {
	return b.ipset().Equal(other.ipset())
}

// String renders each normalized range as a prefix when it is prefix
// aligned, otherwise as "from-to".
func (b IPBlocks) String() string {
	ranges := b.Ranges()
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		if p, ok := r.Prefix(); ok {
			parts = append(parts, formatAddr(p.Addr())+"/"+strconv.Itoa(p.Bits()))
			continue
		}
		parts = append(parts, formatAddr(r.From())+"-"+formatAddr(r.To()))
	}
	return strings.Join(parts, ", ")
}

// formatAddr renders IPv4-mapped addresses in hex so they parse back as
// IPv6 ("::ffff:a00:1", not "::ffff:10.0.0.1").
func formatAddr(a netip.Addr) string {
	if !a.Is4In6() {
		return a.String()
	}
	b := a.As16()
	return fmt.Sprintf("::ffff:%x:%x", uint16(b[12])<<8|uint16(b[13]), uint16(b[14])<<8|uint16(b[15]))
}
