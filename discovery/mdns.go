// Package discovery advertises a coordinator on the local network over mDNS
// and finds coordinators advertised by others.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_meshcoord._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultBrowseTimeout bounds one Browse call.
	DefaultBrowseTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertisement and browsing.
type Config struct {
	Service       string
	Domain        string
	Version       int
	BrowseTimeout time.Duration

	InstanceID     string
	InstanceName   string
	Port           int
	TLS            bool
	KeyFingerprint string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.BrowseTimeout <= 0 {
		out.BrowseTimeout = DefaultBrowseTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.browseFn == nil {
		out.browseFn = browse
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.InstanceID) == "" {
		return errors.New("instance ID is required")
	}
	if strings.TrimSpace(c.InstanceName) == "" {
		return errors.New("instance name is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("port must be in 1..65535")
	}
	return nil
}

// Advertiser keeps the coordinator's mDNS record published.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the coordinator's service record.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		"instance_id=" + cfg.InstanceID,
		"version=" + strconv.Itoa(cfg.Version),
		"tls=" + strconv.FormatBool(cfg.TLS),
		"key_fingerprint=" + cfg.KeyFingerprint,
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the record.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Coordinator is one coordinator found on the network.
type Coordinator struct {
	InstanceID     string
	Name           string
	Addresses      []string
	Port           int
	TLS            bool
	KeyFingerprint string
}

// URL returns the mesh WebSocket URL on the first address.
func (c Coordinator) URL() string {
	if len(c.Addresses) == 0 {
		return ""
	}
	scheme := "ws"
	if c.TLS {
		scheme = "wss"
	}
	return scheme + "://" + net.JoinHostPort(c.Addresses[0], strconv.Itoa(c.Port)) + "/ws"
}

// Browse lists coordinators that answer within the browse timeout. Entries
// from other protocol versions and our own instance are skipped.
func Browse(ctx context.Context, config Config) ([]Coordinator, error) {
	cfg := config.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	found := make(map[string]Coordinator)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				c, ok := parseEntry(entry, cfg.Version)
				if !ok || c.InstanceID == cfg.InstanceID {
					continue
				}
				found[c.InstanceID] = c
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := cfg.browseFn(ctx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}
	<-done

	out := make([]Coordinator, 0, len(found))
	for _, c := range found {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

// browse runs a zeroconf resolver until ctx ends.
func browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return err
	}
	return resolver.Browse(ctx, service, domain, entries)
}

func parseEntry(entry *zeroconf.ServiceEntry, version int) (Coordinator, bool) {
	if entry == nil {
		return Coordinator{}, false
	}
	txt := make(map[string]string, len(entry.Text))
	for _, kv := range entry.Text {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			txt[k] = v
		}
	}
	if txt["instance_id"] == "" || txt["version"] != strconv.Itoa(version) {
		return Coordinator{}, false
	}
	if entry.Port <= 0 || entry.Port > 65535 {
		return Coordinator{}, false
	}

	c := Coordinator{
		InstanceID:     txt["instance_id"],
		Name:           entry.Instance,
		Port:           entry.Port,
		TLS:            txt["tls"] == "true",
		KeyFingerprint: txt["key_fingerprint"],
	}
	for _, ip := range entry.AddrIPv4 {
		c.Addresses = append(c.Addresses, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		c.Addresses = append(c.Addresses, ip.String())
	}
	return c, len(c.Addresses) > 0
}
