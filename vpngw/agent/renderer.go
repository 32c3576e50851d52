/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package agent

import (
	"fmt"
	"net"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/kumo-cloud/kumo-vpngw/vpngw/agent/templates"
	"github.com/kumo-cloud/kumo-vpngw/vpngw/common"
	"github.com/kumo-cloud/kumo-vpngw/vpngw/common/klog"
)

const (
	defaultIKEVersion         = 2
	defaultIKELifetimeSeconds = 28800
	defaultESPLifetimeSeconds = 3600
	defaultDPDIntervalSeconds = 30
	defaultDPDTimeoutSeconds  = 120

	// placeholder inner addressing for static-mode tunnels: the updown
	// hook still creates the vti device, it just assigns no address.
	innerAddressPlaceholder = "0.0.0.0/0"

	vtiWaitTimeout  = 10 * time.Second
	vtiWaitInterval = 500 * time.Millisecond
)

// ProtocolConfigRenderer turns tunnel slots into strongSwan configuration
// and the kernel routes that follow tunnel establishment.
type ProtocolConfigRenderer struct {
	paths Paths
	nl    NetlinkOps
	units UnitReloader

	linkWaitTimeout  time.Duration
	linkWaitInterval time.Duration
	loadConfigs      func() error
}

func NewProtocolConfigRenderer(paths Paths, nl NetlinkOps, units UnitReloader) *ProtocolConfigRenderer {
	return &ProtocolConfigRenderer{
		paths:            paths,
		nl:               nl,
		units:            units,
		linkWaitTimeout:  vtiWaitTimeout,
		linkWaitInterval: vtiWaitInterval,
		loadConfigs:      swanctlLoadAll,
	}
}

func swanctlLoadAll() error {
	path, err := common.LookupBinary("swanctl")
	if err != nil {
		return err
	}
	return common.BinExecSlow(path, []string{"--load-all"})
}

type swanctlTunnelView struct {
	Name               string
	Index              int
	RemotePublicIP     string
	PSK                string
	IKEVersion         int
	IKEProposals       []string
	ESPProposals       []string
	IKELifetimeSeconds int
	ESPLifetimeSeconds int
	InnerLocal         string
	InnerRemote        string
}

type swanctlView struct {
	DPDIntervalSeconds int
	DPDTimeoutSeconds  int
	UpdownScript       string
	Tunnels            []swanctlTunnelView
}

func orDefault(value, fallback int) int {
	if value == 0 {
		return fallback
	}
	return value
}

// resolveCrypto cascades tunnel-level crypto over the global defaults,
// field by field.
func resolveCrypto(tun *Tunnel, defaults *DefaultsConfig) CryptoConfig {
	crypto := defaults.Crypto
	if tun.Crypto != nil {
		if len(tun.Crypto.IKEProposals) > 0 {
			crypto.IKEProposals = tun.Crypto.IKEProposals
		}
		if len(tun.Crypto.ESPProposals) > 0 {
			crypto.ESPProposals = tun.Crypto.ESPProposals
		}
		if tun.Crypto.IKELifetimeSeconds > 0 {
			crypto.IKELifetimeSeconds = tun.Crypto.IKELifetimeSeconds
		}
		if tun.Crypto.ESPLifetimeSeconds > 0 {
			crypto.ESPLifetimeSeconds = tun.Crypto.ESPLifetimeSeconds
		}
	}
	crypto.IKELifetimeSeconds = orDefault(crypto.IKELifetimeSeconds, defaultIKELifetimeSeconds)
	crypto.ESPLifetimeSeconds = orDefault(crypto.ESPLifetimeSeconds, defaultESPLifetimeSeconds)
	return crypto
}

// innerAddressPair formats the updown hook parameters: inner remote and
// local addresses carrying the /30 prefix length, or all-zero placeholders
// when a static-mode tunnel has no inner addressing.
func innerAddressPair(tun *Tunnel) (remote, local string) {
	if tun.InnerCIDR == "" || tun.InnerLocalIP == "" || tun.InnerRemoteIP == "" {
		return innerAddressPlaceholder, innerAddressPlaceholder
	}
	_, inner, err := net.ParseCIDR(tun.InnerCIDR)
	if err != nil {
		return innerAddressPlaceholder, innerAddressPlaceholder
	}
	plen, _ := inner.Mask.Size()
	return fmt.Sprintf("%s/%d", tun.InnerRemoteIP, plen), fmt.Sprintf("%s/%d", tun.InnerLocalIP, plen)
}

// buildSwanctlView validates each slot and resolves the value cascade.
// A defective tunnel is skipped with a warning; it never aborts the render
// and never shifts the other slots' indices.
func (r *ProtocolConfigRenderer) buildSwanctlView(cfg *ResolvedGatewayConfig, slots []TunnelSlot) swanctlView {
	view := swanctlView{
		DPDIntervalSeconds: orDefault(cfg.Defaults.DPD.IntervalSeconds, defaultDPDIntervalSeconds),
		DPDTimeoutSeconds:  orDefault(cfg.Defaults.DPD.TimeoutSeconds, defaultDPDTimeoutSeconds),
		UpdownScript:       r.paths.UpdownScript,
	}

	for _, slot := range slots {
		tun := slot.Tunnel
		if tun.RemotePublicIP == "" {
			klog.Warningf("Tunnel %s has no remote_public_ip; skipping its render", tun.Name)
			continue
		}
		crypto := resolveCrypto(tun, &cfg.Defaults)
		if len(crypto.IKEProposals) == 0 || len(crypto.ESPProposals) == 0 {
			klog.Warningf("Tunnel %s resolves no crypto proposals; skipping its render", tun.Name)
			continue
		}

		version := tun.IKEVersion
		if version == 0 {
			version = orDefault(cfg.Defaults.IKEVersion, defaultIKEVersion)
		}

		innerRemote, innerLocal := innerAddressPair(tun)
		view.Tunnels = append(view.Tunnels, swanctlTunnelView{
			Name:               tun.Name,
			Index:              slot.Index,
			RemotePublicIP:     tun.RemotePublicIP,
			PSK:                tun.PSK,
			IKEVersion:         version,
			IKEProposals:       crypto.IKEProposals,
			ESPProposals:       crypto.ESPProposals,
			IKELifetimeSeconds: crypto.IKELifetimeSeconds,
			ESPLifetimeSeconds: crypto.ESPLifetimeSeconds,
			InnerLocal:         innerLocal,
			InnerRemote:        innerRemote,
		})
	}

	return view
}

// RenderFiles writes the strongSwan connection and secret files, the charon
// override and the host link-local override. All file writes are atomic.
func (r *ProtocolConfigRenderer) RenderFiles(cfg *ResolvedGatewayConfig, slots []TunnelSlot) error {
	view := r.buildSwanctlView(cfg, slots)

	connections, err := common.RenderTemplate("swanctl-connections", templates.SwanctlConnectionsGoTmpl, view)
	if err != nil {
		return err
	}
	secrets, err := common.RenderTemplate("swanctl-secrets", templates.SwanctlSecretsGoTmpl, view)
	if err != nil {
		return err
	}

	err = common.AtomicWriteFile(r.paths.SwanctlConnections, connections, 0600)
	if err != nil {
		return err
	}
	klog.Infof("Wrote %s with %d tunnel(s)", r.paths.SwanctlConnections, len(view.Tunnels))

	err = common.AtomicWriteFile(r.paths.SwanctlSecrets, secrets, 0600)
	if err != nil {
		return err
	}

	// The agent is the exclusive route owner; charon must not install any.
	err = common.AtomicWriteFile(r.paths.CharonOverride, []byte(templates.CharonGoTmpl), 0600)
	if err != nil {
		return err
	}

	return r.writeLinkLocalOverride(cfg)
}

// writeLinkLocalOverride is a once-per-machine side effect: it stops the OS
// network stack from auto-assigning a 169.254/16 address on the primary
// interface, whose broad connected route would shadow the tunnel routes.
func (r *ProtocolConfigRenderer) writeLinkLocalOverride(cfg *ResolvedGatewayConfig) error {
	iface := cfg.Gateway.PrimaryInterface
	if iface == "" {
		iface = defaultPrimaryInterface
	}

	contents, err := common.RenderTemplate("primary-network-override",
		templates.PrimaryLinkLocalOverrideGoTmpl,
		struct{ PrimaryInterface string }{PrimaryInterface: iface})
	if err != nil {
		return err
	}

	changed, err := common.WriteFileIfChanged(r.paths.NetworkOverride, contents, 0644)
	if err != nil {
		return err
	}
	if changed {
		klog.Noticef("Disabled link-local auto-addressing on %s (%s)", iface, r.paths.NetworkOverride)
	}
	return nil
}

// ReloadDaemon reloads strongSwan and re-reads the generated files.
// Failures are reported, not fatal: the next cycle retries.
func (r *ProtocolConfigRenderer) ReloadDaemon() error {
	err := r.units.ReloadOrRestart(r.paths.StrongswanUnit)
	if err != nil {
		return err
	}
	return r.loadConfigs()
}

func (r *ProtocolConfigRenderer) waitForLink(name string) (netlink.Link, error) {
	deadline := time.Now().Add(r.linkWaitTimeout)
	for {
		link, err := r.nl.LinkByName(name)
		if err == nil {
			return link, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(r.linkWaitInterval)
	}
}

// InstallRoutes installs the post-establishment routes once the updown hook
// has materialized the vti devices: the inner peer /32 for BGP-mode
// tunnels, or the configured remote prefixes for static-mode tunnels. Every
// install is an idempotent route replace against the slot's own interface.
func (r *ProtocolConfigRenderer) InstallRoutes(cfg *ResolvedGatewayConfig, slots []TunnelSlot) []StepResult {
	var results []StepResult

	for _, slot := range slots {
		mode := slot.Connection.ResolvedRoutingMode(&cfg.Defaults)

		var prefixes []string
		switch mode {
		case RoutingModeBGP:
			if slot.Tunnel.InnerRemoteIP == "" {
				klog.Warningf("Tunnel %s is BGP-mode without inner_remote_ip; no peer route", slot.Tunnel.Name)
				continue
			}
			prefixes = []string{slot.Tunnel.InnerRemoteIP + "/32"}
		case RoutingModeStatic:
			prefixes = slot.Connection.RemotePrefixes
			if slot.Tunnel.StaticRoutes != nil && len(slot.Tunnel.StaticRoutes.RemotePrefixes) > 0 {
				prefixes = slot.Tunnel.StaticRoutes.RemotePrefixes
			}
		}
		if len(prefixes) == 0 {
			continue
		}

		link, err := r.waitForLink(slot.InterfaceName)
		if err != nil {
			// The updown hook may still be in flight; next cycle retries.
			klog.Warningf("Device %s not present yet, deferring %d route(s): %s",
				slot.InterfaceName, len(prefixes), err)
			results = append(results, StepResult{
				Step: "install-routes/" + slot.InterfaceName,
				Err:  err,
			})
			continue
		}

		for _, prefix := range prefixes {
			_, dst, err := net.ParseCIDR(prefix)
			if err != nil {
				klog.Warningf("Tunnel %s: invalid route prefix %q: %s", slot.Tunnel.Name, prefix, err)
				continue
			}
			route := &netlink.Route{
				LinkIndex: link.Attrs().Index,
				Dst:       dst,
				Scope:     netlink.SCOPE_LINK,
			}
			err = r.nl.RouteReplace(route)
			if err != nil {
				klog.Warningf("Could not install %s via %s: %s", prefix, slot.InterfaceName, err)
				results = append(results, StepResult{
					Step: "install-routes/" + slot.InterfaceName,
					Err:  err,
				})
				continue
			}
			klog.Infof("Ensured route %s via %s", prefix, slot.InterfaceName)
		}
	}

	return results
}

// Apply is the full protocol render: files, daemon reload, then the
// post-establishment routes.
func (r *ProtocolConfigRenderer) Apply(cfg *ResolvedGatewayConfig, slots []TunnelSlot) []StepResult {
	var results []StepResult

	err := r.RenderFiles(cfg, slots)
	if err != nil {
		// Without files on disk there is nothing to reload; report and bail.
		results = append(results, StepResult{Step: "render-files", Err: err})
		return results
	}

	err = r.ReloadDaemon()
	if err != nil {
		klog.Warningf("strongSwan reload failed, will retry next cycle: %s", err)
		results = append(results, StepResult{Step: "reload-daemon", Err: err})
	}

	results = append(results, r.InstallRoutes(cfg, slots)...)
	return results
}
