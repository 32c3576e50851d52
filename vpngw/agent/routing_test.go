/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package agent

import (
	"net"
	"testing"

	"github.com/vishvananda/netlink"
)

func TestEnforceRemovesInterferingRule(t *testing.T) {
	cfg := testBGPConfig()
	nl := newFakeNetlink()
	nl.addLink("eth0", 1)
	nl.addLink("vti0", 2)
	nl.rules = []netlink.Rule{{Table: PolicyRoutingTable, Priority: 100}}
	_, dst, _ := net.ParseCIDR("10.99.0.0/16")
	nl.tableRoutes[PolicyRoutingTable] = []netlink.Route{{Dst: dst, Table: PolicyRoutingTable, LinkIndex: 1}}

	e := NewRoutingInvariantEnforcer(nl)
	slots := TunnelSlots(cfg)

	summary := e.Enforce(cfg, slots)
	if !summary.RuleRemoved {
		t.Error("interfering rule must be reported as removed")
	}
	if len(nl.rules) != 0 {
		t.Errorf("rule still present: %v", nl.rules)
	}
	if len(nl.tableRoutes[PolicyRoutingTable]) != 0 {
		t.Error("policy table must be flushed")
	}

	// second cycle: already absent, a no-op
	second := e.Enforce(cfg, slots)
	if second.RuleRemoved {
		t.Error("second cycle must report the rule already absent")
	}
}

func TestEnforceRemovesBroadLinkLocalRoute(t *testing.T) {
	cfg := testBGPConfig()
	nl := newFakeNetlink()
	nl.addLink("eth0", 1)
	nl.addRoute("169.254.0.0/16", 1)

	summary := NewRoutingInvariantEnforcer(nl).Enforce(cfg, TunnelSlots(cfg))
	if !summary.BroadRouteRemoved {
		t.Error("broad /16 route must be removed")
	}
	for _, r := range nl.routes {
		if r.Dst != nil && r.Dst.String() == "169.254.0.0/16" {
			t.Error("broad route still present")
		}
	}
}

func TestEnforceCleansUnexpectedRoutes(t *testing.T) {
	cfg := testBGPConfig()
	nl := newFakeNetlink()
	nl.addLink("eth0", 1)
	nl.addLink("vti0", 2)
	nl.addRoute("169.254.10.0/30", 2) // expected: slot 0 inner cidr on its own vti
	nl.addRoute("169.254.10.2/32", 2) // expected: slot 0 peer /32 on its own vti
	nl.addRoute("169.254.55.0/30", 1) // leftover from a removed tunnel
	nl.addRoute("169.254.10.0/30", 1) // right prefix, wrong interface

	summary := NewRoutingInvariantEnforcer(nl).Enforce(cfg, TunnelSlots(cfg))
	if summary.UnexpectedRoutesRemoved != 2 {
		t.Errorf("expected 2 removals, got %d", summary.UnexpectedRoutesRemoved)
	}

	remaining := map[string]bool{}
	for _, r := range nl.routes {
		remaining[routeKey(&r)] = true
	}
	if !remaining["169.254.10.0/30|2"] || !remaining["169.254.10.2/32|2"] {
		t.Error("expected routes must survive the cleanup")
	}
}

func TestEnforceNeverTouchesMetadataRoutes(t *testing.T) {
	cfg := testBGPConfig()
	nl := newFakeNetlink()
	nl.addLink("eth0", 1)
	nl.addLink("vti0", 2)
	// platform metadata route on a foreign interface: off-limits anyway
	nl.addRoute("169.254.169.254/32", 1)
	nl.addRoute("169.254.169.0/24", 1)

	summary := NewRoutingInvariantEnforcer(nl).Enforce(cfg, TunnelSlots(cfg))
	if summary.UnexpectedRoutesRemoved != 0 {
		t.Errorf("metadata routes must never be proposed for removal, removed %d", summary.UnexpectedRoutesRemoved)
	}
	if len(nl.deleted) != 0 {
		t.Errorf("metadata routes must never be deleted, got %v", nl.deleted)
	}

	remaining := map[string]bool{}
	for i := range nl.routes {
		remaining[routeKey(&nl.routes[i])] = true
	}
	if !remaining["169.254.169.254/32|1"] || !remaining["169.254.169.0/24|1"] {
		t.Error("metadata routes must survive untouched")
	}
}

func TestEnforceEnsuresPeerRoutes(t *testing.T) {
	cfg := testBGPConfig()
	nl := newFakeNetlink()
	nl.addLink("vti0", 5)

	summary := NewRoutingInvariantEnforcer(nl).Enforce(cfg, TunnelSlots(cfg))
	if summary.PeerRoutesEnsured != 1 {
		t.Errorf("expected 1 peer route ensured, got %d", summary.PeerRoutesEnsured)
	}
	if len(nl.replaced) != 1 || nl.replaced[0] != "169.254.10.2/32|5" {
		t.Errorf("expected 169.254.10.2/32 via vti0, got %v", nl.replaced)
	}

	// converged: nothing ensured on the next pass
	second := NewRoutingInvariantEnforcer(nl).Enforce(cfg, TunnelSlots(cfg))
	if second.PeerRoutesEnsured != 0 {
		t.Errorf("second pass must ensure nothing, got %d", second.PeerRoutesEnsured)
	}
}

func TestEnforceEnsuresPeerRoutesWithSharedInnerRemote(t *testing.T) {
	cfg := testBGPConfig()
	cfg.Connections = append(cfg.Connections, Connection{
		Name:        "second-peer",
		RoutingMode: RoutingModeBGP,
		BGP:         BGPConfig{Enabled: true, PeerASN: 64515},
		Tunnels: []Tunnel{
			{
				Name:           "second-tunnel-1",
				HARole:         HARoleActive,
				RemotePublicIP: "198.51.100.7",
				InnerCIDR:      "169.254.10.0/30",
				InnerLocalIP:   "169.254.10.1",
				InnerRemoteIP:  "169.254.10.2", // same inner peer address as slot 0
			},
		},
	})
	nl := newFakeNetlink()
	nl.addLink("vti0", 5)
	nl.addLink("vti1", 6)

	summary := NewRoutingInvariantEnforcer(nl).Enforce(cfg, TunnelSlots(cfg))
	if summary.PeerRoutesEnsured != 2 {
		t.Fatalf("each tunnel must get its own peer route, ensured %d", summary.PeerRoutesEnsured)
	}
	if len(nl.replaced) != 2 {
		t.Fatalf("expected 2 upserts, got %v", nl.replaced)
	}
	upserts := map[string]bool{}
	for _, key := range nl.replaced {
		upserts[key] = true
	}
	if !upserts["169.254.10.2/32|5"] || !upserts["169.254.10.2/32|6"] {
		t.Errorf("shared inner peer address must be routed via both devices: %v", nl.replaced)
	}
}

func TestEnforceSkipsStaticTunnels(t *testing.T) {
	cfg := testStaticConfig()
	nl := newFakeNetlink()
	nl.addLink("vti0", 5)

	summary := NewRoutingInvariantEnforcer(nl).Enforce(cfg, TunnelSlots(cfg))
	if summary.PeerRoutesEnsured != 0 {
		t.Errorf("static tunnels must not get peer routes, got %d", summary.PeerRoutesEnsured)
	}
	if len(nl.replaced) != 0 {
		t.Errorf("no upserts expected, got %v", nl.replaced)
	}
}

func TestEnforceMissingDeviceDefersPeerRoute(t *testing.T) {
	cfg := testBGPConfig()
	nl := newFakeNetlink() // vti0 absent

	summary := NewRoutingInvariantEnforcer(nl).Enforce(cfg, TunnelSlots(cfg))
	if summary.PeerRoutesEnsured != 0 {
		t.Error("peer route cannot be ensured without its device")
	}
}

func TestDiagnosticsMatchesEnforcerPredicates(t *testing.T) {
	cfg := testBGPConfig()
	nl := newFakeNetlink()
	nl.addLink("eth0", 1)
	nl.addLink("vti0", 2)
	nl.rules = []netlink.Rule{{Table: PolicyRoutingTable, Priority: 100}}
	nl.addRoute("169.254.0.0/16", 1)
	nl.addRoute("169.254.55.0/30", 1)
	nl.addRoute("169.254.169.254/32", 1)

	e := NewRoutingInvariantEnforcer(nl)
	slots := TunnelSlots(cfg)

	diag, err := e.Diagnostics(cfg, slots)
	if err != nil {
		t.Fatal(err)
	}
	if diag.Healthy() {
		t.Error("diagnostics must flag the violated invariants")
	}
	if !diag.PolicyRuleExists || !diag.BroadRouteExists {
		t.Errorf("missed violations: %+v", diag)
	}
	if len(diag.UnexpectedRoutes) != 1 {
		t.Errorf("expected 1 unexpected route (metadata excluded), got %v", diag.UnexpectedRoutes)
	}
	if len(diag.MissingPeerRoutes) != 1 {
		t.Errorf("expected 1 missing peer route, got %v", diag.MissingPeerRoutes)
	}

	// diagnostics must not mutate anything
	if len(nl.deleted) != 0 || len(nl.replaced) != 0 {
		t.Error("diagnostics must be read-only")
	}

	// after enforcement, diagnostics reports healthy
	e.Enforce(cfg, slots)
	diag, err = e.Diagnostics(cfg, slots)
	if err != nil {
		t.Fatal(err)
	}
	if !diag.Healthy() {
		t.Errorf("post-enforcement diagnostics must be healthy: %+v", diag)
	}
}
