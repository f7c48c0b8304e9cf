package resources

import (
	"encoding/json"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStrs(t *testing.T) {
	t.Run("parses all components", func(t *testing.T) {
		set, err := FromStrs("AS1-AS5, AS10", "10.0.0.0/8, 192.168.0.0-192.168.0.255", "2001:db8::/32")
		require.NoError(t, err)

		assert.Equal(t, "AS1-AS5, AS10", set.ASNs().String())
		assert.Equal(t, "10.0.0.0/8, 192.168.0.0/24", set.IPv4().String())
		assert.Equal(t, "2001:db8::/32", set.IPv6().String())
	})

	t.Run("empty strings yield empty set", func(t *testing.T) {
		set, err := FromStrs("", "", "")
		require.NoError(t, err)
		assert.True(t, set.IsEmpty())
		assert.True(t, set.Equal(Empty()))
	})

	t.Run("merges overlapping and adjacent input", func(t *testing.T) {
		set, err := FromStrs("AS3-AS5, AS1-AS2, AS4", "10.0.0.0/25, 10.0.0.128/25", "")
		require.NoError(t, err)
		assert.Equal(t, "AS1-AS5", set.ASNs().String())
		assert.Equal(t, "10.0.0.0/24", set.IPv4().String())
	})

	t.Run("unaligned range renders as range", func(t *testing.T) {
		set, err := FromStrs("", "10.0.0.0-10.0.2.255", "")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.0-10.0.2.255", set.IPv4().String())
	})

	t.Run("accepts lower case and bare asn", func(t *testing.T) {
		set, err := FromStrs("as7, 9", "", "")
		require.NoError(t, err)
		assert.Equal(t, "AS7, AS9", set.ASNs().String())
	})

	errorCases := []struct {
		name string
		asn  string
		v4   string
		v6   string
		kind ParseErrorKind
	}{
		{"malformed asn", "ASx", "", "", KindMalformed},
		{"asn overflow", "AS4294967296", "", "", KindMalformed},
		{"reversed asn range", "AS5-AS1", "", "", KindReversedRange},
		{"malformed prefix", "", "10.0.0.0/33", "", KindMalformed},
		{"v6 in v4 set", "", "2001:db8::/32", "", KindWrongFamily},
		{"v4 in v6 set", "", "", "10.0.0.0/8", KindWrongFamily},
		{"host bits", "", "10.0.0.1/8", "", KindHostBits},
		{"reversed ip range", "", "10.0.0.9-10.0.0.1", "", KindReversedRange},
		{"garbage address", "", "ten.zero", "", KindMalformed},
		{"zoned address", "", "", "fe80::1%eth0", KindMalformed},
		{"zoned range", "", "", "fe80::1%eth0-fe80::2%eth0", KindMalformed},
		{"mapped address in v4 set", "", "::ffff:10.0.0.1", "", KindWrongFamily},
	}

	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromStrs(tc.asn, tc.v4, tc.v6)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParse))

			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tc.kind, pe.Kind)
		})
	}
}

func TestResourceSet_All(t *testing.T) {
	all := All()
	assert.Equal(t, "asn: AS0-AS4294967295, ipv4: 0.0.0.0/0, ipv6: ::/0", all.String())

	sub := MustFromStrs("AS1-AS100", "10.0.0.0/8", "2001:db8::/32")
	assert.True(t, all.Encompasses(sub))
	assert.False(t, sub.Encompasses(all))
}

func TestResourceSet_Algebra(t *testing.T) {
	a := MustFromStrs("AS1-AS10", "10.0.0.0/8", "2001:db8::/32")
	b := MustFromStrs("AS5-AS20", "10.1.0.0/16, 172.16.0.0/12", "")

	t.Run("union", func(t *testing.T) {
		u := a.Union(b)
		assert.Equal(t, "AS1-AS20", u.ASNs().String())
		assert.Equal(t, "10.0.0.0/8, 172.16.0.0/12", u.IPv4().String())
		assert.Equal(t, "2001:db8::/32", u.IPv6().String())
		assert.True(t, u.Encompasses(a))
		assert.True(t, u.Encompasses(b))
	})

	t.Run("intersection", func(t *testing.T) {
		i := a.Intersection(b)
		assert.Equal(t, "AS5-AS10", i.ASNs().String())
		assert.Equal(t, "10.1.0.0/16", i.IPv4().String())
		assert.True(t, i.IPv6().IsEmpty())
		assert.True(t, a.Encompasses(i))
		assert.True(t, b.Encompasses(i))
	})

	t.Run("difference", func(t *testing.T) {
		d := a.Difference(b)
		assert.Equal(t, "AS1-AS4", d.ASNs().String())
		assert.False(t, d.IPv4().ContainsPrefix(mustPrefix(t, "10.1.0.0/16")))
		assert.True(t, d.Union(a.Intersection(b)).Equal(a))
	})

	t.Run("operations do not mutate operands", func(t *testing.T) {
		before := a.String()
		_ = a.Union(b)
		_ = a.Intersection(b)
		_ = a.Difference(b)
		assert.Equal(t, before, a.String())
	})
}

func TestResourceSet_Encompasses(t *testing.T) {
	a := MustFromStrs("AS1-AS10", "10.0.0.0/8", "")
	b := MustFromStrs("AS2-AS3", "10.2.0.0/16", "")
	c := MustFromStrs("AS3", "10.2.3.0/24", "")

	t.Run("reflexive", func(t *testing.T) {
		assert.True(t, a.Encompasses(a))
		assert.True(t, Empty().Encompasses(Empty()))
	})

	t.Run("transitive", func(t *testing.T) {
		require.True(t, a.Encompasses(b))
		require.True(t, b.Encompasses(c))
		assert.True(t, a.Encompasses(c))
	})

	t.Run("antisymmetric", func(t *testing.T) {
		same := MustFromStrs("AS1-AS5, AS6-AS10", "10.0.0.0/9, 10.128.0.0/9", "")
		assert.True(t, a.Encompasses(same))
		assert.True(t, same.Encompasses(a))
		assert.True(t, a.Equal(same))
	})

	t.Run("everything encompasses empty", func(t *testing.T) {
		assert.True(t, c.Encompasses(Empty()))
	})

	t.Run("partial overlap is not encompassed", func(t *testing.T) {
		partial := MustFromStrs("AS9-AS11", "", "")
		assert.False(t, a.Encompasses(partial))
	})
}

func TestResourceSet_RoundTrip(t *testing.T) {
	sets := []ResourceSet{
		Empty(),
		All(),
		MustFromStrs("AS1, AS3-AS7", "10.0.0.0-10.0.2.255, 192.0.2.0/24", "2001:db8::/48, 2001:db8:1::-2001:db8:1::ff"),
		MustFromStrs("", "", "::/0"),
		MustFromStrs("", "", "::7fff:ffff:ffff, ::8000:0:0/81"),
		MustFromStrs("", "", "::ffff:0:0/96"),
		MustFromStrs("", "", "::ffff:10.0.0.1-::ffff:10.0.0.9"),
	}

	for _, set := range sets {
		t.Run(set.String(), func(t *testing.T) {
			parsed, err := Parse(set.String())
			require.NoError(t, err)
			assert.True(t, set.Equal(parsed))

			data, err := json.Marshal(set)
			require.NoError(t, err)
			var decoded ResourceSet
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.True(t, set.Equal(decoded))

			text, err := set.MarshalText()
			require.NoError(t, err)
			var fromText ResourceSet
			require.NoError(t, fromText.UnmarshalText(text))
			assert.True(t, set.Equal(fromText))
		})
	}
}

func TestIPBlocks_MappedSpace(t *testing.T) {
	t.Run("renders boundaries in hex", func(t *testing.T) {
		set := MustFromStrs("", "", "::7fff:ffff:ffff, ::8000:0:0/81")
		assert.Equal(t, "::7fff:ffff:ffff-::ffff:ffff:ffff", set.IPv6().String())
	})

	t.Run("mapped prefix", func(t *testing.T) {
		set := MustFromStrs("", "", "::ffff:0.0.0.0/96")
		assert.Equal(t, "::ffff:0:0/96", set.IPv6().String())
		assert.True(t, set.IPv6().ContainsPrefix(mustPrefix(t, "::ffff:10.0.0.0/104")))
	})

	t.Run("is disjoint from ipv4", func(t *testing.T) {
		set := MustFromStrs("", "10.0.0.0/8", "::ffff:a00:0/104")
		assert.Equal(t, "10.0.0.0/8", set.IPv4().String())
		assert.Equal(t, "::ffff:a00:0/104", set.IPv6().String())
	})
}

func TestResourceSet_JSONShape(t *testing.T) {
	set := MustFromStrs("AS1", "10.0.0.0/8", "")
	data, err := json.Marshal(set)
	require.NoError(t, err)
	assert.JSONEq(t, `{"asn":"AS1","ipv4":"10.0.0.0/8","ipv6":""}`, string(data))
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("ipv4: 10.0.0.0/8")
	assert.ErrorIs(t, err, ErrParse)

	_, err = Parse("asn: AS1, ipv6: ::/0")
	assert.ErrorIs(t, err, ErrParse)
}

func TestResourceSet_ZeroValue(t *testing.T) {
	var zero ResourceSet
	assert.True(t, zero.IsEmpty())
	assert.True(t, zero.Equal(Empty()))
	assert.Equal(t, "asn: none, ipv4: none, ipv6: none", zero.String())
	assert.True(t, All().Encompasses(zero))
}

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	require.NoError(t, err)
	return p
}
