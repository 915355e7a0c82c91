package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvertiseBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotPort     int
		gotTXT      []string
	)
	cfg := Config{
		InstanceID:     "coord-1",
		InstanceName:   "rack-7",
		Port:           8443,
		TLS:            true,
		KeyFingerprint: "abcd",
		registerFn: func(instance, service, domain string, port int, text []string, _ []net.Interface) (*zeroconf.Server, error) {
			gotInstance, gotService, gotPort = instance, service, port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	adv, err := Advertise(cfg)
	require.NoError(t, err)
	adv.Stop()

	assert.Equal(t, "rack-7", gotInstance)
	assert.Equal(t, DefaultService, gotService)
	assert.Equal(t, 8443, gotPort)
	assert.ElementsMatch(t, []string{
		"instance_id=coord-1",
		"version=1",
		"tls=true",
		"key_fingerprint=abcd",
	}, gotTXT)
}

func TestAdvertiseValidates(t *testing.T) {
	_, err := Advertise(Config{InstanceName: "x", Port: 1})
	assert.Error(t, err)
	_, err = Advertise(Config{InstanceID: "id", InstanceName: "x", Port: 0})
	assert.Error(t, err)
	_, err = Advertise(Config{InstanceID: "id", Port: 80})
	assert.Error(t, err)
}

func entry(instance, id, version string, port int, ips ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, DefaultService, DefaultDomain)
	e.Port = port
	e.Text = []string{"instance_id=" + id, "version=" + version, "tls=false"}
	for _, ip := range ips {
		e.AddrIPv4 = append(e.AddrIPv4, net.ParseIP(ip))
	}
	return e
}

func TestBrowseFiltersEntries(t *testing.T) {
	cfg := Config{
		InstanceID:    "self",
		BrowseTimeout: time.Second,
		browseFn: func(_ context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- entry("b", "coord-b", "1", 8080, "192.0.2.2")
			entries <- entry("a", "coord-a", "1", 8080, "192.0.2.1")
			entries <- entry("self", "self", "1", 8080, "192.0.2.9")
			entries <- entry("old", "coord-old", "0", 8080, "192.0.2.3")
			entries <- entry("noaddr", "coord-x", "1", 8080)
			close(entries)
			return nil
		},
	}

	found, err := Browse(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "coord-a", found[0].InstanceID)
	assert.Equal(t, "coord-b", found[1].InstanceID)
	assert.Equal(t, "ws://192.0.2.1:8080/ws", found[0].URL())
}
