package allocator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/apparentlymart/go-cidr/cidr"
)

// Range is the ordered set of IPv4 addresses a pool hands out. It accepts
// the RouterOS ranges syntax: comma separated "a.b.c.d-e.f.g.h", single
// addresses and CIDR prefixes. Prefixes shorter than /31 exclude their
// network and broadcast addresses.
type Range struct {
	spans []span
}

type span struct {
	first net.IP
	last  net.IP
}

// ParseRange parses a pool range specification
func ParseRange(spec string) (*Range, error) {
	var spans []span
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		s, err := parseSpan(part)
		if err != nil {
			return nil, err
		}
		spans = append(spans, s)
	}
	if len(spans) == 0 {
		return nil, fmt.Errorf("%w: empty range", ErrInvalidRange)
	}

	sort.Slice(spans, func(i, j int) bool { return bytes.Compare(spans[i].first, spans[j].first) < 0 })
	for i := 1; i < len(spans); i++ {
		if bytes.Compare(spans[i].first, spans[i-1].last) <= 0 {
			return nil, fmt.Errorf("%w: %s overlaps %s", ErrInvalidRange, spans[i].first, spans[i-1].last)
		}
	}
	return &Range{spans: spans}, nil
}

func parseSpan(part string) (span, error) {
	if strings.Contains(part, "/") {
		_, network, err := net.ParseCIDR(part)
		if err != nil || network.IP.To4() == nil {
			return span{}, fmt.Errorf("%w: %q", ErrInvalidRange, part)
		}
		first, last := cidr.AddressRange(network)
		if ones, _ := network.Mask.Size(); ones < 31 {
			first = cidr.Inc(first)
			last = cidr.Dec(last)
		}
		return span{first: first.To4(), last: last.To4()}, nil
	}

	lo, hi, found := strings.Cut(part, "-")
	first := net.ParseIP(strings.TrimSpace(lo)).To4()
	last := first
	if found {
		last = net.ParseIP(strings.TrimSpace(hi)).To4()
	}
	if first == nil || last == nil {
		return span{}, fmt.Errorf("%w: %q", ErrInvalidRange, part)
	}
	if bytes.Compare(first, last) > 0 {
		return span{}, fmt.Errorf("%w: %q runs backwards", ErrInvalidRange, part)
	}
	return span{first: first, last: last}, nil
}

// Size returns the number of addresses in the range
func (r *Range) Size() uint64 {
	var n uint64
	for _, s := range r.spans {
		n += uint64(toUint32(s.last)-toUint32(s.first)) + 1
	}
	return n
}

// Contains reports whether addr belongs to the range
func (r *Range) Contains(addr string) bool {
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		return false
	}
	for _, s := range r.spans {
		if bytes.Compare(ip, s.first) >= 0 && bytes.Compare(ip, s.last) <= 0 {
			return true
		}
	}
	return false
}

// Equal reports whether both ranges hold the same addresses, however they
// are written
func (r *Range) Equal(o *Range) bool {
	a, b := r.merged(), o.merged()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].first.Equal(b[i].first) || !a[i].last.Equal(b[i].last) {
			return false
		}
	}
	return true
}

// merged joins adjacent spans
func (r *Range) merged() []span {
	out := make([]span, 0, len(r.spans))
	for _, s := range r.spans {
		if n := len(out); n > 0 && toUint32(out[n-1].last)+1 == toUint32(s.first) {
			out[n-1].last = s.last
			continue
		}
		out = append(out, s)
	}
	return out
}

// Each calls fn for every address in ascending order until fn returns false
func (r *Range) Each(fn func(ip net.IP) bool) {
	for _, s := range r.spans {
		ip := s.first
		for {
			if !fn(ip) {
				return
			}
			if ip.Equal(s.last) {
				break
			}
			ip = cidr.Inc(ip).To4()
		}
	}
}

func toUint32(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}
