/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package agent

import (
	"sort"

	"github.com/kumo-cloud/kumo-vpngw/vpngw/agent/templates"
	"github.com/kumo-cloud/kumo-vpngw/vpngw/common"
	"github.com/kumo-cloud/kumo-vpngw/vpngw/common/klog"
)

// FirewallSync keeps the peer and management allow-lists in sync with the
// resolved configuration. Files are rewritten only on content changes, and
// the firewall is reloaded at most once per cycle.
type FirewallSync struct {
	paths Paths
	units UnitReloader
}

func NewFirewallSync(paths Paths, units UnitReloader) *FirewallSync {
	return &FirewallSync{
		paths: paths,
		units: units,
	}
}

// PeerAllowList collects every tunnel's remote public endpoint, including
// passive ones: a passive tunnel may come up on another machine of the
// gateway group, its peer must not be firewalled out here.
func PeerAllowList(cfg *ResolvedGatewayConfig) []string {
	seen := map[string]bool{}
	var peers []string
	for c := range cfg.Connections {
		for t := range cfg.Connections[c].Tunnels {
			ip := cfg.Connections[c].Tunnels[t].RemotePublicIP
			if ip == "" || seen[ip] {
				continue
			}
			seen[ip] = true
			peers = append(peers, ip)
		}
	}
	sort.Strings(peers)
	return peers
}

// Sync rewrites the allow-list source files when they changed and reloads
// the firewall once iff anything did. Reload failure is non-fatal: the
// bootstrap baseline stays in effect and the next cycle retries.
func (f *FirewallSync) Sync(cfg *ResolvedGatewayConfig) error {
	peersContents, err := common.RenderTemplate("nftables-peers", templates.NftablesPeersGoTmpl,
		struct{ PeerIPs []string }{PeerIPs: PeerAllowList(cfg)})
	if err != nil {
		return err
	}
	peersChanged, err := common.WriteFileIfChanged(f.paths.FirewallPeers, peersContents, 0600)
	if err != nil {
		return err
	}

	mgmtCIDRs := append([]string{}, cfg.Gateway.ManagementCIDRs...)
	sort.Strings(mgmtCIDRs)
	mgmtContents, err := common.RenderTemplate("nftables-management", templates.NftablesManagementGoTmpl,
		struct{ ManagementCIDRs []string }{ManagementCIDRs: mgmtCIDRs})
	if err != nil {
		return err
	}
	mgmtChanged, err := common.WriteFileIfChanged(f.paths.FirewallManagement, mgmtContents, 0600)
	if err != nil {
		return err
	}

	if !peersChanged && !mgmtChanged {
		klog.Debug("Firewall allow-lists unchanged")
		return nil
	}

	klog.Infof("Firewall allow-lists updated (peers=%t management=%t), reloading", peersChanged, mgmtChanged)
	err = f.units.ReloadOrRestart(f.paths.NftablesUnit)
	if err != nil {
		klog.Warningf("Firewall reload failed, baseline rules remain active: %s", err)
	}
	return nil
}
