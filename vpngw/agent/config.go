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

	"github.com/apparentlymart/go-cidr/cidr"
	"gopkg.in/yaml.v3"

	"github.com/kumo-cloud/kumo-vpngw/vpngw/common/klog"
)

const (
	RoutingModeBGP    = "bgp"
	RoutingModeStatic = "static"

	HARoleActive   = "active"
	HARolePassive  = "passive"
	HARoleDisabled = "disabled"

	// LinkLocalBlock is the reserved auto-configuration range used for
	// inner tunnel addressing.
	LinkLocalBlock = "169.254.0.0/16"
	// MetadataBlock is owned by the cloud platform and must never be
	// touched, whatever routes live there.
	MetadataBlock = "169.254.169.0/24"
)

var (
	linkLocalNet = mustParseCIDR(LinkLocalBlock)
	metadataNet  = mustParseCIDR(MetadataBlock)
)

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// ResolvedGatewayConfig is the machine-scoped configuration document
// produced by the fleet orchestrator. It is read wholesale on each
// reconcile and never written back.
type ResolvedGatewayConfig struct {
	Gateway     GatewayConfig  `yaml:"gateway" json:"gateway"`
	Defaults    DefaultsConfig `yaml:"defaults" json:"defaults"`
	Connections []Connection   `yaml:"connections" json:"connections"`
}

type GatewayConfig struct {
	LocalASN         uint32   `yaml:"local_asn" json:"local_asn"`
	LocalPrefixes    []string `yaml:"local_prefixes" json:"local_prefixes"`
	PrimaryInterface string   `yaml:"primary_interface,omitempty" json:"primary_interface,omitempty"`
	ManagementCIDRs  []string `yaml:"management_cidrs,omitempty" json:"management_cidrs,omitempty"`
}

type DefaultsConfig struct {
	IKEVersion int           `yaml:"ike_version,omitempty" json:"ike_version,omitempty"`
	Crypto     CryptoConfig  `yaml:"crypto,omitempty" json:"crypto,omitempty"`
	DPD        DPDConfig     `yaml:"dpd,omitempty" json:"dpd,omitempty"`
	Routing    RoutingConfig `yaml:"routing,omitempty" json:"routing,omitempty"`
}

type RoutingConfig struct {
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

type CryptoConfig struct {
	IKEProposals       []string `yaml:"ike_proposals,omitempty" json:"ike_proposals,omitempty"`
	ESPProposals       []string `yaml:"esp_proposals,omitempty" json:"esp_proposals,omitempty"`
	IKELifetimeSeconds int      `yaml:"ike_lifetime_seconds,omitempty" json:"ike_lifetime_seconds,omitempty"`
	ESPLifetimeSeconds int      `yaml:"esp_lifetime_seconds,omitempty" json:"esp_lifetime_seconds,omitempty"`
}

type DPDConfig struct {
	IntervalSeconds int `yaml:"interval_seconds,omitempty" json:"interval_seconds,omitempty"`
	TimeoutSeconds  int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Connection describes one peer gateway and its tunnels.
type Connection struct {
	Name           string    `yaml:"name" json:"name"`
	Vendor         string    `yaml:"vendor,omitempty" json:"vendor,omitempty"`
	RoutingMode    string    `yaml:"routing_mode,omitempty" json:"routing_mode,omitempty"`
	RemotePrefixes []string  `yaml:"remote_prefixes,omitempty" json:"remote_prefixes,omitempty"`
	BGP            BGPConfig `yaml:"bgp,omitempty" json:"bgp,omitempty"`
	Tunnels        []Tunnel  `yaml:"tunnels" json:"tunnels"`
}

type BGPConfig struct {
	Enabled                bool   `yaml:"enabled" json:"enabled"`
	PeerASN                uint32 `yaml:"remote_asn,omitempty" json:"remote_asn,omitempty"`
	AdvertiseLocalPrefixes bool   `yaml:"advertise_local_prefixes,omitempty" json:"advertise_local_prefixes,omitempty"`
}

// Tunnel describes one IPsec tunnel towards a connection's peer.
type Tunnel struct {
	Name           string        `yaml:"name" json:"name"`
	HARole         string        `yaml:"ha_role,omitempty" json:"ha_role,omitempty"`
	IKEVersion     int           `yaml:"ike_version,omitempty" json:"ike_version,omitempty"`
	RemotePublicIP string        `yaml:"remote_public_ip" json:"remote_public_ip"`
	PSK            string        `yaml:"psk" json:"psk"`
	InnerCIDR      string        `yaml:"inner_cidr,omitempty" json:"inner_cidr,omitempty"`
	InnerLocalIP   string        `yaml:"inner_local_ip,omitempty" json:"inner_local_ip,omitempty"`
	InnerRemoteIP  string        `yaml:"inner_remote_ip,omitempty" json:"inner_remote_ip,omitempty"`
	Crypto         *CryptoConfig `yaml:"crypto,omitempty" json:"crypto,omitempty"`
	StaticRoutes   *StaticRoutes `yaml:"static_routes,omitempty" json:"static_routes,omitempty"`
}

type StaticRoutes struct {
	RemotePrefixes []string `yaml:"remote_prefixes,omitempty" json:"remote_prefixes,omitempty"`
}

// Role returns the tunnel HA role, defaulting to active.
func (t *Tunnel) Role() string {
	if t.HARole == "" {
		return HARoleActive
	}
	return t.HARole
}

// ResolvedRoutingMode resolves the connection routing mode against the
// global default, falling back to BGP like the peer-exported documents do.
func (c *Connection) ResolvedRoutingMode(defaults *DefaultsConfig) string {
	if c.RoutingMode != "" {
		return c.RoutingMode
	}
	if defaults.Routing.Mode != "" {
		return defaults.Routing.Mode
	}
	return RoutingModeBGP
}

// ValidateInnerAddressing checks that a tunnel's inner addressing is a /30
// inside the link-local block with both endpoints strictly inside it.
func (t *Tunnel) ValidateInnerAddressing() error {
	if t.InnerCIDR == "" {
		return nil
	}

	_, inner, err := net.ParseCIDR(t.InnerCIDR)
	if err != nil {
		return fmt.Errorf("tunnel %s: invalid inner_cidr %q: %w", t.Name, t.InnerCIDR, err)
	}
	ones, _ := inner.Mask.Size()
	if ones != 30 {
		return fmt.Errorf("tunnel %s: inner_cidr %s must be a /30", t.Name, t.InnerCIDR)
	}
	if !linkLocalNet.Contains(inner.IP) {
		return fmt.Errorf("tunnel %s: inner_cidr %s outside %s", t.Name, t.InnerCIDR, LinkLocalBlock)
	}

	local := net.ParseIP(t.InnerLocalIP)
	remote := net.ParseIP(t.InnerRemoteIP)
	if local == nil || remote == nil {
		return fmt.Errorf("tunnel %s: inner_local_ip/inner_remote_ip must both be set with inner_cidr", t.Name)
	}
	if local.Equal(remote) {
		return fmt.Errorf("tunnel %s: inner_local_ip and inner_remote_ip must differ", t.Name)
	}

	network, broadcast := cidr.AddressRange(inner)
	for _, ip := range []net.IP{local, remote} {
		if !inner.Contains(ip) {
			return fmt.Errorf("tunnel %s: %s not inside inner_cidr %s", t.Name, ip, t.InnerCIDR)
		}
		if ip.Equal(network) || ip.Equal(broadcast) {
			return fmt.Errorf("tunnel %s: %s is the network or broadcast address of %s", t.Name, ip, t.InnerCIDR)
		}
	}

	return nil
}

func (c *Connection) validate(defaults *DefaultsConfig) error {
	mode := c.ResolvedRoutingMode(defaults)
	switch mode {
	case RoutingModeBGP:
		if !c.BGP.Enabled {
			return fmt.Errorf("connection %s: routing_mode bgp requires bgp.enabled", c.Name)
		}
		if c.BGP.PeerASN == 0 {
			return fmt.Errorf("connection %s: routing_mode bgp requires bgp.remote_asn", c.Name)
		}
	case RoutingModeStatic:
		if c.BGP.Enabled {
			return fmt.Errorf("connection %s: routing_mode static forbids bgp.enabled", c.Name)
		}
	default:
		return fmt.Errorf("connection %s: unsupported routing_mode %q", c.Name, mode)
	}
	return nil
}

// Validate drops malformed connections and tunnels so every downstream
// component works from the same, consistent view. Defects are warnings,
// never fatal: one bad entity must not sink the whole document.
func (cfg *ResolvedGatewayConfig) Validate() {
	connections := make([]Connection, 0, len(cfg.Connections))
	for _, conn := range cfg.Connections {
		err := conn.validate(&cfg.Defaults)
		if err != nil {
			klog.Warningf("Dropping connection from this run: %s", err)
			continue
		}

		tunnels := make([]Tunnel, 0, len(conn.Tunnels))
		for _, tun := range conn.Tunnels {
			err := tun.ValidateInnerAddressing()
			if err != nil {
				klog.Warningf("Dropping tunnel from this run: %s", err)
				continue
			}
			tunnels = append(tunnels, tun)
		}
		conn.Tunnels = tunnels
		connections = append(connections, conn)
	}
	cfg.Connections = connections
}

// LoadResolvedConfig reads and validates the orchestrator-produced document.
// A missing file is reported through os.IsNotExist so callers can skip the
// cycle instead of failing.
func LoadResolvedConfig(path string) (*ResolvedGatewayConfig, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	var cfg ResolvedGatewayConfig
	err = yaml.Unmarshal(contents, &cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to unmarshal resolved config %s: %w", path, err)
	}

	cfg.Validate()
	return &cfg, nil
}
