package resources

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ASN is an autonomous system number.
type ASN uint32

// String renders the ASN as "AS<n>".
func (a ASN) String() string {
	return "AS" + strconv.FormatUint(uint64(a), 10)
}

// ParseASN parses "AS64496", "as64496" or "64496".
func ParseASN(s string) (ASN, error) {
	s = strings.TrimSpace(s)
	num := s
	if len(num) >= 2 && strings.EqualFold(num[:2], "AS") {
		num = num[2:]
	}
	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return 0, parseErr(KindMalformed, s, err)
	}
	return ASN(n), nil
}

// ASNRange is an inclusive range of autonomous system numbers.
type ASNRange struct {
	Min ASN
	Max ASN
}

// String renders a single ASN or "ASa-ASb".
func (r ASNRange) String() string {
	if r.Min == r.Max {
		return r.Min.String()
	}
	return r.Min.String() + "-" + r.Max.String()
}

// ASNBlocks is a normalized set of ASN ranges: sorted, with no overlapping
// or adjacent ranges. The zero value is the empty set.
type ASNBlocks struct {
	ranges []ASNRange
}

// AllASNs returns AS0-AS4294967295.
func AllASNs() ASNBlocks {
	return ASNBlocks{ranges: []ASNRange{{Min: 0, Max: math.MaxUint32}}}
}

// ParseASNBlocks parses a comma separated list of ASNs and ASN ranges.
// An empty or blank string yields the empty set.
func ParseASNBlocks(s string) (ASNBlocks, error) {
	var ranges []ASNRange
	for _, item := range splitItems(s) {
		r, err := parseASNRange(item)
		if err != nil {
			return ASNBlocks{}, err
		}
		ranges = append(ranges, r)
	}
	return ASNBlocks{ranges: normalizeASN(ranges)}, nil
}

func parseASNRange(item string) (ASNRange, error) {
	lo, hi, isRange := strings.Cut(item, "-")
	min, err := ParseASN(lo)
	if err != nil {
		return ASNRange{}, parseErr(KindMalformed, item, err)
	}
	if !isRange {
		return ASNRange{Min: min, Max: min}, nil
	}
	max, err := ParseASN(hi)
	if err != nil {
		return ASNRange{}, parseErr(KindMalformed, item, err)
	}
	if max < min {
		return ASNRange{}, parseErr(KindReversedRange, item, nil)
	}
	return ASNRange{Min: min, Max: max}, nil
}

// normalizeASN sorts and merges overlapping or adjacent ranges.
func normalizeASN(in []ASNRange) []ASNRange {
	if len(in) == 0 {
		return nil
	}
	sorted := make([]ASNRange, len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })

	out := []ASNRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if uint64(r.Min) <= uint64(last.Max)+1 {
			if r.Max > last.Max {
				last.Max = r.Max
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Ranges returns a copy of the normalized ranges.
func (b ASNBlocks) Ranges() []ASNRange {
	out := make([]ASNRange, len(b.ranges))
	copy(out, b.ranges)
	return out
}

// IsEmpty reports whether the set holds no ASN.
func (b ASNBlocks) IsEmpty() bool {
	return len(b.ranges) == 0
}

// Contains reports whether asn is in the set.
func (b ASNBlocks) Contains(asn ASN) bool {
	i := sort.Search(len(b.ranges), func(i int) bool { return b.ranges[i].Max >= asn })
	return i < len(b.ranges) && b.ranges[i].Min <= asn
}

// Union returns every ASN in b or other.
func (b ASNBlocks) Union(other ASNBlocks) ASNBlocks {
	all := make([]ASNRange, 0, len(b.ranges)+len(other.ranges))
	all = append(all, b.ranges...)
	all = append(all, other.ranges...)
	return ASNBlocks{ranges: normalizeASN(all)}
}

// Intersection returns every ASN in both b and other.
func (b ASNBlocks) Intersection(other ASNBlocks) ASNBlocks {
	var out []ASNRange
	i, j := 0, 0
	for i < len(b.ranges) && j < len(other.ranges) {
		x, y := b.ranges[i], other.ranges[j]
		lo, hi := max(x.Min, y.Min), min(x.Max, y.Max)
		if lo <= hi {
			out = append(out, ASNRange{Min: lo, Max: hi})
		}
		if x.Max < y.Max {
			i++
		} else {
			j++
		}
	}
	return ASNBlocks{ranges: normalizeASN(out)}
}

// Difference returns every ASN in b that is not in other.
func (b ASNBlocks) Difference(other ASNBlocks) ASNBlocks {
	var out []ASNRange
	for _, r := range b.ranges {
		cur := uint64(r.Min)
		end := uint64(r.Max)
		for _, o := range other.ranges {
			if uint64(o.Max) < cur || uint64(o.Min) > end {
				continue
			}
			if uint64(o.Min) > cur {
				out = append(out, ASNRange{Min: ASN(cur), Max: o.Min - 1})
			}
			cur = uint64(o.Max) + 1
			if cur > end {
				break
			}
		}
		if cur <= end {
			out = append(out, ASNRange{Min: ASN(cur), Max: ASN(end)})
		}
	}
	return ASNBlocks{ranges: normalizeASN(out)}
}

// Encompasses reports whether every ASN in other is also in b.
func (b ASNBlocks) Encompasses(other ASNBlocks) bool {
	return other.Difference(b).IsEmpty()
}

// Equal reports structural equality of the normalized sets.
func (b ASNBlocks) Equal(other ASNBlocks) bool {
	if len(b.ranges) != len(other.ranges) {
		return false
	}
	for i := range b.ranges {
		if b.ranges[i] != other.ranges[i] {
			return false
		}
	}
	return true
}

// String renders the set as a comma separated list, empty for the empty set.
func (b ASNBlocks) String() string {
	parts := make([]string, len(b.ranges))
	for i, r := range b.ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ", ")
}

// GoString is used by %#v in test failure output.
func (b ASNBlocks) GoString() string {
	return fmt.Sprintf("ASNBlocks(%s)", b.String())
}

func splitItems(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
