/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package agent

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/vishvananda/netlink"
)

/*
 * Shared fakes and fixtures
 */

type fakeUnits struct {
	reloaded []string
}

func (f *fakeUnits) ReloadOrRestart(unit string) error {
	f.reloaded = append(f.reloaded, unit)
	return nil
}

type fakeNetlink struct {
	links       []netlink.Link
	rules       []netlink.Rule
	routes      []netlink.Route
	tableRoutes map[int][]netlink.Route

	deleted  []string
	replaced []string
}

func newFakeNetlink() *fakeNetlink {
	return &fakeNetlink{tableRoutes: map[int][]netlink.Route{}}
}

func (f *fakeNetlink) addLink(name string, index int) {
	f.links = append(f.links, &netlink.Dummy{
		LinkAttrs: netlink.LinkAttrs{Name: name, Index: index},
	})
}

func (f *fakeNetlink) addRoute(prefix string, linkIndex int) {
	_, dst, err := net.ParseCIDR(prefix)
	if err != nil {
		panic(err)
	}
	f.routes = append(f.routes, netlink.Route{Dst: dst, LinkIndex: linkIndex})
}

func routeKey(route *netlink.Route) string {
	return fmt.Sprintf("%s|%d", route.Dst, route.LinkIndex)
}

func (f *fakeNetlink) LinkList() ([]netlink.Link, error) {
	return f.links, nil
}

func (f *fakeNetlink) LinkByName(name string) (netlink.Link, error) {
	for _, l := range f.links {
		if l.Attrs().Name == name {
			return l, nil
		}
	}
	return nil, fmt.Errorf("link %s not found", name)
}

func (f *fakeNetlink) RuleList(family int) ([]netlink.Rule, error) {
	return append([]netlink.Rule{}, f.rules...), nil
}

func (f *fakeNetlink) RuleDel(rule *netlink.Rule) error {
	kept := f.rules[:0]
	for _, r := range f.rules {
		if r.Table == rule.Table && r.Priority == rule.Priority {
			continue
		}
		kept = append(kept, r)
	}
	f.rules = kept
	return nil
}

func (f *fakeNetlink) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	return append([]netlink.Route{}, f.routes...), nil
}

func (f *fakeNetlink) RouteListFiltered(family int, filter *netlink.Route, filterMask uint64) ([]netlink.Route, error) {
	if filterMask&netlink.RT_FILTER_TABLE != 0 {
		return append([]netlink.Route{}, f.tableRoutes[filter.Table]...), nil
	}
	return append([]netlink.Route{}, f.routes...), nil
}

func (f *fakeNetlink) RouteDel(route *netlink.Route) error {
	if route.Table != 0 {
		kept := f.tableRoutes[route.Table][:0]
		for _, r := range f.tableRoutes[route.Table] {
			if routeKey(&r) == routeKey(route) {
				f.deleted = append(f.deleted, routeKey(route))
				continue
			}
			kept = append(kept, r)
		}
		f.tableRoutes[route.Table] = kept
		return nil
	}

	kept := f.routes[:0]
	for _, r := range f.routes {
		if routeKey(&r) == routeKey(route) {
			f.deleted = append(f.deleted, routeKey(route))
			continue
		}
		kept = append(kept, r)
	}
	f.routes = kept
	return nil
}

func (f *fakeNetlink) RouteReplace(route *netlink.Route) error {
	f.replaced = append(f.replaced, routeKey(route))
	for i := range f.routes {
		if routeKey(&f.routes[i]) == routeKey(route) {
			f.routes[i] = *route
			return nil
		}
	}
	f.routes = append(f.routes, *route)
	return nil
}

func testBGPConfig() *ResolvedGatewayConfig {
	return &ResolvedGatewayConfig{
		Gateway: GatewayConfig{
			LocalASN:      65010,
			LocalPrefixes: []string{"10.0.0.0/16"},
		},
		Defaults: DefaultsConfig{
			IKEVersion: 2,
			Crypto: CryptoConfig{
				IKEProposals: []string{"aes256gcm16-prfsha256-modp2048"},
				ESPProposals: []string{"aes256gcm16-modp2048"},
			},
			Routing: RoutingConfig{Mode: RoutingModeBGP},
		},
		Connections: []Connection{
			{
				Name:        "gcp-ha-vpn",
				Vendor:      "gcp",
				RoutingMode: RoutingModeBGP,
				BGP:         BGPConfig{Enabled: true, PeerASN: 64514, AdvertiseLocalPrefixes: true},
				Tunnels: []Tunnel{
					{
						Name:           "gcp-ha-tunnel-1",
						HARole:         HARoleActive,
						RemotePublicIP: "203.0.113.1",
						PSK:            "secret-one",
						InnerCIDR:      "169.254.10.0/30",
						InnerLocalIP:   "169.254.10.1",
						InnerRemoteIP:  "169.254.10.2",
					},
					{
						Name:           "gcp-ha-tunnel-2",
						HARole:         HARolePassive,
						RemotePublicIP: "203.0.113.2",
						PSK:            "secret-two",
						InnerCIDR:      "169.254.11.0/30",
						InnerLocalIP:   "169.254.11.1",
						InnerRemoteIP:  "169.254.11.2",
					},
				},
			},
		},
	}
}

func testStaticConfig() *ResolvedGatewayConfig {
	cfg := testBGPConfig()
	cfg.Connections = []Connection{
		{
			Name:           "onprem-router",
			Vendor:         "cisco",
			RoutingMode:    RoutingModeStatic,
			RemotePrefixes: []string{"10.10.0.0/24"},
			Tunnels: []Tunnel{
				{
					Name:           "onprem-tunnel-1",
					HARole:         HARoleActive,
					RemotePublicIP: "203.0.113.5",
					PSK:            "secret-static",
				},
			},
		},
	}
	return cfg
}

func testPaths(t *testing.T) Paths {
	dir := t.TempDir()
	return Paths{
		ResolvedConfig:     filepath.Join(dir, "config-resolved.yaml"),
		AppliedState:       filepath.Join(dir, "applied.json"),
		SwanctlConnections: filepath.Join(dir, "kumo-vpngw.conf"),
		SwanctlSecrets:     filepath.Join(dir, "kumo-vpngw.secrets.conf"),
		CharonOverride:     filepath.Join(dir, "charon-override.conf"),
		NetworkOverride:    filepath.Join(dir, "primary.network"),
		FirewallPeers:      filepath.Join(dir, "peers.nft"),
		FirewallManagement: filepath.Join(dir, "management.nft"),
		UpdownScript:       "/usr/local/bin/kumo-vti-updown",
		StrongswanUnit:     "strongswan.service",
		NftablesUnit:       "nftables.service",
	}
}

/*
 * Reconcile loop
 */

func TestReconcileMissingConfigIsNoOp(t *testing.T) {
	paths := testPaths(t)
	nl := newFakeNetlink()
	units := &fakeUnits{}

	a := NewAgent(paths, "v1", nl, units)
	a.Reconcile()

	if len(units.reloaded) != 0 {
		t.Errorf("expected no unit reloads without a config file, got %v", units.reloaded)
	}
	if _, err := os.Stat(paths.AppliedState); !os.IsNotExist(err) {
		t.Error("applied-state record must not be written on a skipped cycle")
	}
}

func TestReconcileSecondRunIsQuiescent(t *testing.T) {
	paths := testPaths(t)
	nl := newFakeNetlink()
	nl.addLink("eth0", 1)
	nl.addLink("vti0", 2)
	units := &fakeUnits{}

	contents := `
gateway:
  local_asn: 65010
  local_prefixes: ["10.0.0.0/16"]
defaults:
  ike_version: 2
  crypto:
    ike_proposals: ["aes256gcm16-prfsha256-modp2048"]
    esp_proposals: ["aes256gcm16-modp2048"]
  routing:
    mode: bgp
connections:
  - name: gcp-ha-vpn
    routing_mode: bgp
    bgp:
      enabled: true
      remote_asn: 64514
    tunnels:
      - name: gcp-ha-tunnel-1
        ha_role: active
        remote_public_ip: 203.0.113.1
        psk: secret-one
        inner_cidr: 169.254.10.0/30
        inner_local_ip: 169.254.10.1
        inner_remote_ip: 169.254.10.2
`
	err := os.WriteFile(paths.ResolvedConfig, []byte(contents), 0600)
	if err != nil {
		t.Fatal(err)
	}

	a := NewAgent(paths, "v1", nl, units)
	a.renderer.linkWaitTimeout = 0
	a.renderer.loadConfigs = func() error { return nil }

	a.Reconcile()

	cfg, err := LoadResolvedConfig(paths.ResolvedConfig)
	if err != nil {
		t.Fatal(err)
	}
	if a.gate.ShouldApply(cfg) {
		t.Error("gate must report no-change right after an apply")
	}

	// second run with no interference: enforcer changes nothing
	nl.deleted = nil
	summary := a.enforcer.Enforce(cfg, TunnelSlots(cfg))
	if summary != (EnforcementSummary{}) {
		t.Errorf("second enforcement pass must be a no-op, got %s", summary)
	}
	if len(nl.deleted) != 0 {
		t.Errorf("second pass deleted routes: %v", nl.deleted)
	}
}

func TestReconcileRetriesAfterFailedApply(t *testing.T) {
	paths := testPaths(t)
	nl := newFakeNetlink() // vti0 deliberately absent on the first cycle
	units := &fakeUnits{}

	contents := `
gateway:
  local_asn: 65010
  local_prefixes: ["10.0.0.0/16"]
defaults:
  ike_version: 2
  crypto:
    ike_proposals: ["aes256gcm16-prfsha256-modp2048"]
    esp_proposals: ["aes256gcm16-modp2048"]
connections:
  - name: onprem-router
    routing_mode: static
    remote_prefixes: ["10.10.0.0/24"]
    tunnels:
      - name: onprem-tunnel-1
        ha_role: active
        remote_public_ip: 203.0.113.5
        psk: secret-static
`
	err := os.WriteFile(paths.ResolvedConfig, []byte(contents), 0600)
	if err != nil {
		t.Fatal(err)
	}

	a := NewAgent(paths, "v1", nl, units)
	a.renderer.linkWaitTimeout = 0
	a.renderer.loadConfigs = func() error { return nil }

	a.Reconcile()

	if len(nl.replaced) != 0 {
		t.Fatalf("no route must be installed without the device, got %v", nl.replaced)
	}
	if _, err := os.Stat(paths.AppliedState); !os.IsNotExist(err) {
		t.Fatal("applied-state record must not be written while apply steps are failing")
	}

	// the updown hook eventually created the device; the next cycle must
	// re-render and install the deferred route
	nl.addLink("vti0", 3)
	a.Reconcile()

	if len(nl.replaced) != 1 || nl.replaced[0] != "10.10.0.0/24|3" {
		t.Errorf("expected the static route installed on the retry cycle, got %v", nl.replaced)
	}
	if _, err := os.Stat(paths.AppliedState); err != nil {
		t.Error("applied-state record must be written once the apply succeeds")
	}

	cfg, err := LoadResolvedConfig(paths.ResolvedConfig)
	if err != nil {
		t.Fatal(err)
	}
	if a.gate.ShouldApply(cfg) {
		t.Error("gate must report no-change after the successful retry")
	}
}

func TestTriggerReloadCoalesces(t *testing.T) {
	a := NewAgent(testPaths(t), "v1", newFakeNetlink(), &fakeUnits{})

	a.TriggerReload()
	a.TriggerReload() // dropped, queue depth is one
	a.TriggerReload()

	if len(a.reload) != 1 {
		t.Errorf("expected exactly one queued run, got %d", len(a.reload))
	}
}
