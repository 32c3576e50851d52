/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package agent

import "fmt"

// TunnelSlot binds one active tunnel to its virtual tunnel interface.
//
// Slots are the single source of truth for tunnel-to-interface mapping.
// The strongSwan renderer, the routing enforcer, the firewall sync and the
// diagnostics query MUST all consume TunnelSlots() rather than keeping
// their own counter: a divergent reimplementation silently pairs routes
// with the wrong interface.
type TunnelSlot struct {
	Index         int
	InterfaceName string
	Connection    *Connection
	Tunnel        *Tunnel
}

// VTIName returns the interface name for a slot index.
func VTIName(index int) string {
	return fmt.Sprintf("vti%d", index)
}

// TunnelSlots assigns interface slots to every active tunnel, iterating
// connections and tunnels in document order. Passive and disabled tunnels
// never consume an index. The function is pure: calling it twice on the
// same configuration yields identical sequences.
func TunnelSlots(cfg *ResolvedGatewayConfig) []TunnelSlot {
	var slots []TunnelSlot

	idx := 0
	for c := range cfg.Connections {
		conn := &cfg.Connections[c]
		for t := range conn.Tunnels {
			tun := &conn.Tunnels[t]
			if tun.Role() != HARoleActive {
				continue
			}
			slots = append(slots, TunnelSlot{
				Index:         idx,
				InterfaceName: VTIName(idx),
				Connection:    conn,
				Tunnel:        tun,
			})
			idx++
		}
	}

	return slots
}

// TunnelVTIMapping maps tunnel names to their slot, for lookups when only
// the name is at hand.
func TunnelVTIMapping(cfg *ResolvedGatewayConfig) map[string]TunnelSlot {
	mapping := map[string]TunnelSlot{}
	for _, slot := range TunnelSlots(cfg) {
		mapping[slot.Tunnel.Name] = slot
	}
	return mapping
}
