package connections

import (
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func TestInterfaceResolverCachesEnumeration(t *testing.T) {
	var calls atomic.Int32
	resolver := NewInterfaceResolver(time.Minute, func() ([]InterfaceAddress, error) {
		calls.Add(1)
		return []InterfaceAddress{
			{Interface: "lo", IP: "127.0.0.1"},
			{Interface: "eth0", IP: "192.168.1.10"},
			{Interface: "wlan0", IP: "10.0.0.4"},
		}, nil
	})

	if got := resolver.Resolve("192.168.1.10"); got != "eth0" {
		t.Fatalf("expected eth0, got %q", got)
	}
	if got := resolver.Resolve("10.0.0.4"); got != "wlan0" {
		t.Fatalf("expected wlan0, got %q", got)
	}
	if got := resolver.Resolve("172.16.0.1"); got != UnknownInterface {
		t.Fatalf("expected unknown, got %q", got)
	}
	if got := resolver.Resolve("172.16.0.1"); got != UnknownInterface {
		t.Fatalf("expected cached unknown, got %q", got)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected 2 enumerations (initial miss and unknown address), got %d", n)
	}
}

func TestInterfaceResolverExpires(t *testing.T) {
	var calls atomic.Int32
	resolver := NewInterfaceResolver(20*time.Millisecond, func() ([]InterfaceAddress, error) {
		calls.Add(1)
		return []InterfaceAddress{{Interface: "eth0", IP: "192.168.1.10"}}, nil
	})
	resolver.Resolve("192.168.1.10")
	time.Sleep(60 * time.Millisecond)
	resolver.Resolve("192.168.1.10")
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected expired label to be re-enumerated, got %d enumerations", n)
	}
}

func TestInterfaceResolverEnumerationError(t *testing.T) {
	resolver := NewInterfaceResolver(time.Minute, func() ([]InterfaceAddress, error) {
		return nil, errors.New("denied")
	})
	if got := resolver.Resolve("192.168.1.10"); got != UnknownInterface {
		t.Fatalf("expected unknown on enumeration failure, got %q", got)
	}
	got := resolver.AccessAddresses(8080)
	if len(got) != 2 {
		t.Fatalf("expected loopback entries only, got %+v", got)
	}
}

func TestAccessAddresses(t *testing.T) {
	resolver := NewInterfaceResolver(time.Minute, func() ([]InterfaceAddress, error) {
		return []InterfaceAddress{
			{Interface: "wlan0", IP: "10.0.0.4"},
			{Interface: "lo", IP: "127.0.0.1"},
			{Interface: "eth0", IP: "192.168.1.10"},
		}, nil
	})

	want := []AccessAddress{
		{Interface: LoopbackLabel, IP: "127.0.0.1", URL: "http://127.0.0.1:12345"},
		{Interface: LoopbackLabel, IP: "localhost", URL: "http://localhost:12345"},
		{Interface: "eth0", IP: "192.168.1.10", URL: "http://192.168.1.10:12345"},
		{Interface: "wlan0", IP: "10.0.0.4", URL: "http://10.0.0.4:12345"},
	}
	if got := resolver.AccessAddresses(12345); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestSystemInterfacesReturnsIPv4(t *testing.T) {
	addrs, err := SystemInterfaces()
	if err != nil {
		t.Skipf("interfaces unavailable: %v", err)
	}
	for _, a := range addrs {
		if a.Interface == "" || a.IP == "" {
			t.Fatalf("unexpected entry %+v", a)
		}
	}
}
