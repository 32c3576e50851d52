/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package agent

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// RoutingDiagnostics is the read-only counterpart of the invariant
// enforcer: the same predicates, evaluated without mutation, for external
// status and health tooling.
type RoutingDiagnostics struct {
	PolicyRuleExists  bool     `json:"policy_rule_exists"`
	PolicyTableRoutes []string `json:"policy_table_routes"`
	BroadRouteExists  bool     `json:"broad_route_exists"`
	UnexpectedRoutes  []string `json:"unexpected_routes"`
	MissingPeerRoutes []string `json:"missing_peer_routes"`
}

// Healthy reports whether every invariant currently holds.
func (d *RoutingDiagnostics) Healthy() bool {
	return !d.PolicyRuleExists && !d.BroadRouteExists &&
		len(d.UnexpectedRoutes) == 0 && len(d.MissingPeerRoutes) == 0
}

// Diagnostics evaluates the routing invariants without touching anything.
func (e *RoutingInvariantEnforcer) Diagnostics(cfg *ResolvedGatewayConfig, slots []TunnelSlot) (*RoutingDiagnostics, error) {
	diag := &RoutingDiagnostics{}

	rules, err := e.nl.RuleList(netlink.FAMILY_V4)
	if err != nil {
		return nil, err
	}
	for i := range rules {
		if rules[i].Table == PolicyRoutingTable || rules[i].Priority == PolicyRoutingTable {
			diag.PolicyRuleExists = true
		}
	}

	tableRoutes, err := e.nl.RouteListFiltered(netlink.FAMILY_V4,
		&netlink.Route{Table: PolicyRoutingTable}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, err
	}
	for i := range tableRoutes {
		diag.PolicyTableRoutes = append(diag.PolicyTableRoutes, tableRoutes[i].String())
	}

	routes, err := e.mainTableRoutes()
	if err != nil {
		return nil, err
	}

	expected := expectedLinkLocalRoutes(slots)
	linkNames := e.linkNames()

	present := map[string]bool{}
	for i := range routes {
		route := &routes[i]
		if route.Dst != nil {
			present[route.Dst.String()+"|"+linkNames[route.LinkIndex]] = true
		}

		if isBroadLinkLocalRoute(route) {
			diag.BroadRouteExists = true
			continue
		}
		if !isLinkLocalRoute(route) || len(route.MultiPath) > 0 || isMetadataRoute(route) {
			continue
		}
		if !isExpectedLinkLocalRoute(route, expected, linkNames) {
			diag.UnexpectedRoutes = append(diag.UnexpectedRoutes,
				fmt.Sprintf("%s dev %s", route.Dst, linkNames[route.LinkIndex]))
		}
	}

	for _, peer := range bgpPeerRoutes(cfg, slots) {
		if !present[peer.prefix+"|"+peer.ifname] {
			diag.MissingPeerRoutes = append(diag.MissingPeerRoutes,
				fmt.Sprintf("%s dev %s", peer.prefix, peer.ifname))
		}
	}

	return diag, nil
}
