// Package netrange normalizes the IP network notations the FMC hands
// back on rules and objects (CIDR, bare IPs, "A-B" ranges, "any") into
// comparable [start, end] address ranges.
package netrange

import (
	"fmt"
	"net"
	"strings"
)

// Range is a normalized address range. Start and End are in 16-byte
// form with Start <= End. A Universal range stands for "any" and has
// no concrete addresses.
type Range struct {
	Start     net.IP
	End       net.IP
	Universal bool
}

// UniversalRange returns the "any" sentinel range.
func UniversalRange() Range {
	return Range{Universal: true}
}

func (r Range) String() string {
	if r.Universal {
		return "any"
	}
	if bytesCompare(r.Start, r.End) == 0 {
		return r.Start.String()
	}
	return r.Start.String() + "-" + r.End.String()
}

// Overlaps reports whether two ranges share at least one address.
// A universal range overlaps everything; ranges of different address
// families never overlap.
func (r Range) Overlaps(o Range) bool {
	if r.Universal || o.Universal {
		return true
	}
	if !sameFamily(r.Start, o.Start) {
		return false
	}
	return bytesCompare(r.Start, o.End) <= 0 && bytesCompare(o.Start, r.End) <= 0
}

// SubnetOf reports whether r is fully contained in o. A universal
// range is contained only in another universal range: "any" cannot be
// a subnet of anything finite.
func (r Range) SubnetOf(o Range) bool {
	if o.Universal {
		return true
	}
	if r.Universal {
		return false
	}
	if !sameFamily(r.Start, o.Start) {
		return false
	}
	return bytesCompare(o.Start, r.Start) <= 0 && bytesCompare(r.End, o.End) <= 0
}

// Parse converts a CIDR or bare IP into a Range.
func Parse(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if _, ipnet, err := net.ParseCIDR(s); err == nil {
		start, end := cidrRange(ipnet)
		return Range{Start: start, End: end}, nil
	}
	if ip := net.ParseIP(s); ip != nil {
		ip16 := ip.To16()
		return Range{Start: ip16, End: ip16}, nil
	}
	return Range{}, fmt.Errorf("invalid IP or CIDR %q", s)
}

// boundaryProbeLimit is the largest "A-B" range expanded as a single
// contiguous range. Larger ranges keep only the two boundary addresses
// for matching, trading interior-overlap detection for bounded work.
const boundaryProbeLimit = 256

// ParseRuleValue parses a network value as it appears on a rule or
// object: "any", CIDR, bare IP, or an FMC range "A-B".
func ParseRuleValue(s string) ([]Range, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "any") || strings.EqualFold(s, "any-ipv4") || strings.EqualFold(s, "any-ipv6") {
		return []Range{UniversalRange()}, nil
	}
	if i := strings.IndexByte(s, '-'); i > 0 && !strings.Contains(s, "/") {
		return parseIPRange(s[:i], s[i+1:])
	}
	r, err := Parse(s)
	if err != nil {
		return nil, err
	}
	return []Range{r}, nil
}

func parseIPRange(startStr, endStr string) ([]Range, error) {
	start := net.ParseIP(strings.TrimSpace(startStr))
	end := net.ParseIP(strings.TrimSpace(endStr))
	if start == nil || end == nil {
		return nil, fmt.Errorf("invalid IP range %q-%q", startStr, endStr)
	}
	start, end = start.To16(), end.To16()
	if !sameFamily(start, end) {
		return nil, fmt.Errorf("mixed address families in range %q-%q", startStr, endStr)
	}
	if bytesCompare(start, end) > 0 {
		return nil, fmt.Errorf("range start %s after end %s", startStr, endStr)
	}
	if n, ok := rangeSize(start, end); !ok || n > boundaryProbeLimit {
		// Boundary probes only. Interior addresses of huge ranges are
		// not matched; see the documented limitation.
		return []Range{
			{Start: start, End: start},
			{Start: end, End: end},
		}, nil
	}
	return []Range{{Start: start, End: end}}, nil
}

// Set is a parsed collection of excluded prefixes. Ranges and the
// original spec strings are kept in parallel for audit reporting.
type Set struct {
	ranges []Range
	specs  []string
}

// ParseSet parses the excluded-prefix configuration. Any invalid entry
// is a configuration error and fails the whole set.
func ParseSet(specs []string) (*Set, error) {
	set := &Set{}
	for _, spec := range specs {
		ranges, err := ParseRuleValue(spec)
		if err != nil {
			return nil, fmt.Errorf("excluded prefix %q: %w", spec, err)
		}
		for _, r := range ranges {
			set.ranges = append(set.ranges, r)
			set.specs = append(set.specs, strings.TrimSpace(spec))
		}
	}
	return set, nil
}

func (s *Set) Empty() bool {
	return s == nil || len(s.ranges) == 0
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ranges)
}

// Each calls fn for every excluded range with its original spec string
// until fn returns false.
func (s *Set) Each(fn func(r Range, spec string) bool) {
	if s == nil {
		return
	}
	for i, r := range s.ranges {
		if !fn(r, s.specs[i]) {
			return
		}
	}
}

// rangeSize returns the number of addresses between start and end
// inclusive. ok is false when the count does not fit in a uint64.
func rangeSize(start, end net.IP) (uint64, bool) {
	var diff [16]byte
	borrow := 0
	for i := 15; i >= 0; i-- {
		d := int(end[i]) - int(start[i]) - borrow
		if d < 0 {
			d += 256
			borrow = 1
		} else {
			borrow = 0
		}
		diff[i] = byte(d)
	}
	if borrow != 0 {
		return 0, false
	}
	for i := 0; i < 8; i++ {
		if diff[i] != 0 {
			return 0, false
		}
	}
	var n uint64
	for i := 8; i < 16; i++ {
		n = n<<8 | uint64(diff[i])
	}
	if n == ^uint64(0) {
		return 0, false
	}
	return n + 1, true
}

func cidrRange(cidr *net.IPNet) (net.IP, net.IP) {
	ip := cidr.IP.To16()
	mask := cidr.Mask

	start := ip.Mask(mask).To16()
	end := make(net.IP, len(start))
	copy(end, start)

	if len(mask) == 4 {
		for i := 0; i < 4; i++ {
			end[12+i] |= ^mask[i]
		}
	} else {
		for i := 0; i < len(mask); i++ {
			end[i] |= ^mask[i]
		}
	}
	return start, end
}

func sameFamily(a, b net.IP) bool {
	return (a.To4() != nil) == (b.To4() != nil)
}

func bytesCompare(a, b net.IP) int {
	a = a.To16()
	b = b.To16()
	for i := 0; i < 16; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}
