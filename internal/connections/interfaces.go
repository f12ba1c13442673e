package connections

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// UnknownInterface labels bind addresses no local interface carries.
	UnknownInterface = "unknown"
	// LoopbackLabel labels the loopback access addresses.
	LoopbackLabel = "loopback"

	// DefaultInterfaceTTL is how long a resolved interface label is reused.
	DefaultInterfaceTTL = 60 * time.Second

	interfaceCacheSize = 256
)

// InterfaceAddress is one IPv4 address bound to a named interface.
type InterfaceAddress struct {
	Interface string
	IP        string
}

// AccessAddress is a URL clients on the network can use to reach the server.
type AccessAddress struct {
	Interface string `json:"interface"`
	IP        string `json:"ip"`
	URL       string `json:"url"`
}

// EnumerateFunc lists the local IPv4 addresses per interface.
type EnumerateFunc func() ([]InterfaceAddress, error)

// InterfaceResolver maps server bind addresses to interface names. Labels are
// kept in an expiring LRU because enumerating interfaces is comparatively
// expensive; a miss enumerates once and caches every address it sees.
type InterfaceResolver struct {
	cache     *expirable.LRU[string, string]
	enumerate EnumerateFunc
}

// NewInterfaceResolver constructs a resolver whose labels live for ttl.
// A nil enumerate uses the host's interfaces.
func NewInterfaceResolver(ttl time.Duration, enumerate EnumerateFunc) *InterfaceResolver {
	if ttl <= 0 {
		ttl = DefaultInterfaceTTL
	}
	if enumerate == nil {
		enumerate = SystemInterfaces
	}
	return &InterfaceResolver{
		cache:     expirable.NewLRU[string, string](interfaceCacheSize, nil, ttl),
		enumerate: enumerate,
	}
}

// Resolve returns the interface label for address, or UnknownInterface.
func (r *InterfaceResolver) Resolve(address string) string {
	if label, ok := r.cache.Get(address); ok {
		return label
	}
	addrs, err := r.enumerate()
	if err != nil {
		return UnknownInterface
	}
	label := UnknownInterface
	for _, a := range addrs {
		r.cache.Add(a.IP, a.Interface)
		if a.IP == address {
			label = a.Interface
		}
	}
	if label == UnknownInterface {
		r.cache.Add(address, UnknownInterface)
	}
	return label
}

// AccessAddresses lists the loopback URLs followed by every non-loopback IPv4
// address of the host, ordered by interface name.
func (r *InterfaceResolver) AccessAddresses(port int) []AccessAddress {
	out := []AccessAddress{
		accessAddress(LoopbackLabel, "127.0.0.1", port),
		accessAddress(LoopbackLabel, "localhost", port),
	}
	addrs, err := r.enumerate()
	if err != nil {
		return out
	}
	sort.SliceStable(addrs, func(i, j int) bool {
		if addrs[i].Interface != addrs[j].Interface {
			return addrs[i].Interface < addrs[j].Interface
		}
		return addrs[i].IP < addrs[j].IP
	})
	for _, a := range addrs {
		if ip := net.ParseIP(a.IP); ip != nil && ip.IsLoopback() {
			continue
		}
		out = append(out, accessAddress(a.Interface, a.IP, port))
	}
	return out
}

func accessAddress(iface, ip string, port int) AccessAddress {
	return AccessAddress{Interface: iface, IP: ip, URL: fmt.Sprintf("http://%s:%d", ip, port)}
}

// SystemInterfaces enumerates the IPv4 addresses of the host's interfaces.
func SystemInterfaces() ([]InterfaceAddress, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []InterfaceAddress
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip4 := ip.To4(); ip4 != nil {
				out = append(out, InterfaceAddress{Interface: iface.Name, IP: ip4.String()})
			}
		}
	}
	return out, nil
}
