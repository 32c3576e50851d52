/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package agent

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"github.com/kumo-cloud/kumo-vpngw/vpngw/common/klog"
)

// PolicyRoutingTable is installed ahead of the main table by some cloud
// platforms' DHCP clients; any route in it silently overrides the vti
// routes, so it must never exist on a gateway.
const PolicyRoutingTable = 220

// EnforcementSummary reports what one enforcement pass changed. A fully
// converged machine yields the zero value.
type EnforcementSummary struct {
	RuleRemoved             bool
	BroadRouteRemoved       bool
	UnexpectedRoutesRemoved int
	PeerRoutesEnsured       int
}

func (s EnforcementSummary) String() string {
	return fmt.Sprintf("rule_removed=%t broad_route_removed=%t unexpected_routes_removed=%d peer_routes_ensured=%d",
		s.RuleRemoved, s.BroadRouteRemoved, s.UnexpectedRoutesRemoved, s.PeerRoutesEnsured)
}

// RoutingInvariantEnforcer makes the global routing invariants hold on
// every cycle, whether or not configuration changed. Every check is an
// idempotent upsert or delete.
type RoutingInvariantEnforcer struct {
	nl NetlinkOps
}

func NewRoutingInvariantEnforcer(nl NetlinkOps) *RoutingInvariantEnforcer {
	return &RoutingInvariantEnforcer{nl: nl}
}

/*
 * Pure predicates, shared by the enforcer and the read-only diagnostics.
 */

func isLinkLocalRoute(route *netlink.Route) bool {
	return route.Dst != nil && linkLocalNet.Contains(route.Dst.IP)
}

// isBroadLinkLocalRoute matches a standalone route for the full /16 block.
func isBroadLinkLocalRoute(route *netlink.Route) bool {
	if route.Dst == nil {
		return false
	}
	ones, _ := route.Dst.Mask.Size()
	return ones == 16 && route.Dst.IP.Equal(linkLocalNet.IP)
}

// isMetadataRoute matches routes inside the platform metadata sub-block,
// which are permanently off-limits regardless of interface or ownership.
func isMetadataRoute(route *netlink.Route) bool {
	return route.Dst != nil && metadataNet.Contains(route.Dst.IP)
}

// expectedLinkLocalRoutes is the set of link-local routes the agent owns:
// each active tunnel's inner /30 (kernel-assigned connected route) and its
// inner peer /32, both bound to the tunnel's own interface. Keys are
// "prefix|ifname".
func expectedLinkLocalRoutes(slots []TunnelSlot) map[string]bool {
	expected := map[string]bool{}
	for _, slot := range slots {
		tun := slot.Tunnel
		if tun.InnerCIDR != "" {
			expected[tun.InnerCIDR+"|"+slot.InterfaceName] = true
		}
		if tun.InnerRemoteIP != "" {
			expected[tun.InnerRemoteIP+"/32|"+slot.InterfaceName] = true
		}
	}
	return expected
}

// isExpectedLinkLocalRoute decides whether a link-local route belongs to
// the agent's expected set, given the index→name map of current links.
func isExpectedLinkLocalRoute(route *netlink.Route, expected map[string]bool, linkNames map[int]string) bool {
	name, present := linkNames[route.LinkIndex]
	if !present {
		return false
	}
	return expected[route.Dst.String()+"|"+name]
}

type peerRoute struct {
	prefix string
	ifname string
}

// bgpPeerRoutes lists, per slot, the inner peer /32 that must exist for
// BGP to establish. Non-BGP tunnels yield nothing. A slice, not a map:
// two tunnels sharing an inner remote address each keep their own entry.
func bgpPeerRoutes(cfg *ResolvedGatewayConfig, slots []TunnelSlot) []peerRoute {
	var peers []peerRoute
	for _, slot := range slots {
		mode := slot.Connection.ResolvedRoutingMode(&cfg.Defaults)
		if mode != RoutingModeBGP || !slot.Connection.BGP.Enabled {
			continue
		}
		if slot.Tunnel.InnerRemoteIP == "" {
			continue
		}
		peers = append(peers, peerRoute{
			prefix: slot.Tunnel.InnerRemoteIP + "/32",
			ifname: slot.InterfaceName,
		})
	}
	return peers
}

/*
 * Enforcement
 */

func (e *RoutingInvariantEnforcer) linkNames() map[int]string {
	names := map[int]string{}
	links, err := e.nl.LinkList()
	if err != nil {
		klog.Warningf("Could not list links: %s", err)
		return names
	}
	for _, l := range links {
		names[l.Attrs().Index] = l.Attrs().Name
	}
	return names
}

// removeInterferingRule flushes the policy table and deletes its rule by
// table lookup and, as a fallback, by preference, then verifies removal.
func (e *RoutingInvariantEnforcer) removeInterferingRule() bool {
	removed := false

	routes, err := e.nl.RouteListFiltered(netlink.FAMILY_V4,
		&netlink.Route{Table: PolicyRoutingTable}, netlink.RT_FILTER_TABLE)
	if err != nil {
		klog.Warningf("Could not list table %d routes: %s", PolicyRoutingTable, err)
	}
	for i := range routes {
		err := e.nl.RouteDel(&routes[i])
		if err != nil {
			klog.Warningf("Could not flush table %d route %s: %s", PolicyRoutingTable, routes[i].Dst, err)
			continue
		}
		removed = true
	}

	rules, err := e.nl.RuleList(netlink.FAMILY_V4)
	if err != nil {
		klog.Warningf("Could not list policy rules: %s", err)
		return removed
	}
	for i := range rules {
		if rules[i].Table != PolicyRoutingTable && rules[i].Priority != PolicyRoutingTable {
			continue
		}
		err := e.nl.RuleDel(&rules[i])
		if err != nil {
			klog.Warningf("Could not delete policy rule %+v: %s", rules[i], err)
			continue
		}
		klog.Infof("Removed interfering policy rule (table %d)", PolicyRoutingTable)
		removed = true
	}

	// Verify: the rule still being there means an environment the agent
	// could not fully control. Shout, carry on.
	rules, err = e.nl.RuleList(netlink.FAMILY_V4)
	if err == nil {
		for i := range rules {
			if rules[i].Table == PolicyRoutingTable || rules[i].Priority == PolicyRoutingTable {
				klog.Warningf("Policy rule for table %d still present after removal: %+v",
					PolicyRoutingTable, rules[i])
			}
		}
	}

	return removed
}

func (e *RoutingInvariantEnforcer) mainTableRoutes() ([]netlink.Route, error) {
	return e.nl.RouteList(nil, netlink.FAMILY_V4)
}

func (e *RoutingInvariantEnforcer) removeBroadLinkLocalRoute(routes []netlink.Route) bool {
	removed := false
	for i := range routes {
		if !isBroadLinkLocalRoute(&routes[i]) {
			continue
		}
		err := e.nl.RouteDel(&routes[i])
		if err != nil {
			klog.Warningf("Could not remove broad %s route: %s", LinkLocalBlock, err)
			continue
		}
		klog.Infof("Removed broad link-local route %s", LinkLocalBlock)
		removed = true
	}
	return removed
}

func (e *RoutingInvariantEnforcer) cleanupUnexpectedRoutes(cfg *ResolvedGatewayConfig, slots []TunnelSlot, routes []netlink.Route) int {
	expected := expectedLinkLocalRoutes(slots)
	linkNames := e.linkNames()

	removedCount := 0
	for i := range routes {
		route := &routes[i]
		if !isLinkLocalRoute(route) || isBroadLinkLocalRoute(route) {
			continue
		}
		if len(route.MultiPath) > 0 {
			continue
		}
		if isMetadataRoute(route) {
			// Platform-owned, whatever it looks like.
			continue
		}
		if isExpectedLinkLocalRoute(route, expected, linkNames) {
			continue
		}
		err := e.nl.RouteDel(route)
		if err != nil {
			klog.Warningf("Could not remove unexpected route %s: %s", route.Dst, err)
			continue
		}
		klog.Infof("Removed unexpected link-local route %s dev %s", route.Dst, linkNames[route.LinkIndex])
		removedCount++
	}
	return removedCount
}

// ensurePeerRoutes upserts the /32 route to each BGP peer's inner address
// through its own vti, and counts only actual changes so a converged run
// reports zero.
func (e *RoutingInvariantEnforcer) ensurePeerRoutes(cfg *ResolvedGatewayConfig, slots []TunnelSlot, routes []netlink.Route) int {
	linkNames := e.linkNames()

	present := map[string]bool{}
	for i := range routes {
		if routes[i].Dst == nil {
			continue
		}
		present[routes[i].Dst.String()+"|"+linkNames[routes[i].LinkIndex]] = true
	}

	ensured := 0
	for _, peer := range bgpPeerRoutes(cfg, slots) {
		if present[peer.prefix+"|"+peer.ifname] {
			continue
		}

		link, err := e.nl.LinkByName(peer.ifname)
		if err != nil {
			// vti not created yet; the renderer's updown hook may still
			// be in flight. Retried next cycle.
			klog.Warningf("Device %s missing, cannot ensure %s yet: %s", peer.ifname, peer.prefix, err)
			continue
		}
		_, dst, err := net.ParseCIDR(peer.prefix)
		if err != nil {
			klog.Warningf("Invalid peer prefix %q: %s", peer.prefix, err)
			continue
		}
		err = e.nl.RouteReplace(&netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       dst,
			Scope:     netlink.SCOPE_LINK,
		})
		if err != nil {
			klog.Warningf("Could not ensure peer route %s via %s: %s", peer.prefix, peer.ifname, err)
			continue
		}
		klog.Infof("Ensured peer route %s via %s", peer.prefix, peer.ifname)
		ensured++
	}
	return ensured
}

// Enforce runs all invariant checks, mutating kernel state where needed,
// and returns the structured summary of what changed.
func (e *RoutingInvariantEnforcer) Enforce(cfg *ResolvedGatewayConfig, slots []TunnelSlot) EnforcementSummary {
	summary := EnforcementSummary{}

	summary.RuleRemoved = e.removeInterferingRule()

	routes, err := e.mainTableRoutes()
	if err != nil {
		klog.Warningf("Could not list routes, skipping route invariants this cycle: %s", err)
		return summary
	}

	summary.BroadRouteRemoved = e.removeBroadLinkLocalRoute(routes)
	summary.UnexpectedRoutesRemoved = e.cleanupUnexpectedRoutes(cfg, slots, routes)

	// Re-read: the deletions above may have changed what is present.
	routes, err = e.mainTableRoutes()
	if err != nil {
		klog.Warningf("Could not re-list routes: %s", err)
		return summary
	}
	summary.PeerRoutesEnsured = e.ensurePeerRoutes(cfg, slots, routes)

	klog.Infof("Routing invariants enforced: %s", summary)
	return summary
}
