/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package agent

import (
	"context"
	"fmt"

	dbus "github.com/coreos/go-systemd/v22/dbus"
	sysctl "github.com/lorenzosaino/go-sysctl"
	"github.com/vishvananda/netlink"

	"github.com/kumo-cloud/kumo-vpngw/vpngw/common"
	"github.com/kumo-cloud/kumo-vpngw/vpngw/common/klog"
)

const ErrorSystemdConnectionUserConn = "Has the user appropriate rights to interact with systemd ?"

// NetlinkOps is the slice of netlink operations the agent needs. It is
// satisfied by *netlink.Handle; tests substitute a fake.
type NetlinkOps interface {
	LinkList() ([]netlink.Link, error)
	LinkByName(name string) (netlink.Link, error)
	RuleList(family int) ([]netlink.Rule, error)
	RuleDel(rule *netlink.Rule) error
	RouteList(link netlink.Link, family int) ([]netlink.Route, error)
	RouteListFiltered(family int, filter *netlink.Route, filterMask uint64) ([]netlink.Route, error)
	RouteDel(route *netlink.Route) error
	RouteReplace(route *netlink.Route) error
}

// UnitReloader reloads or restarts a systemd unit.
type UnitReloader interface {
	ReloadOrRestart(unit string) error
}

type systemdReloader struct{}

func NewUnitReloader() UnitReloader {
	return &systemdReloader{}
}

func (r *systemdReloader) ReloadOrRestart(unit string) error {
	ctx, cancel := context.WithTimeout(context.Background(), common.RestartTimeout)
	defer cancel()

	conn, err := dbus.NewSystemdConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("%s -- %s", err, ErrorSystemdConnectionUserConn)
	}
	defer conn.Close()

	code, err := conn.ReloadOrRestartUnitContext(ctx, unit, "replace", nil)
	if err != nil {
		return fmt.Errorf("%s | returned code : %d", err.Error(), code)
	}
	klog.Infof("Systemd unit %s has been reloaded (or restarted)", unit)
	return nil
}

type SysctlSetting struct {
	Key   string
	Value string
}

// gatewaySysctlSettings keep the box forwarding and stop the kernel from
// second-guessing tunnel routing.
var gatewaySysctlSettings = []SysctlSetting{
	{
		Key:   "net.ipv4.ip_forward",
		Value: "1",
	},
	{
		Key:   "net.ipv4.conf.all.accept_redirects",
		Value: "0",
	},
	{
		Key:   "net.ipv4.conf.all.send_redirects",
		Value: "0",
	},
}

func applySysctlSettings(settings []SysctlSetting) error {
	if len(settings) > 0 {
		klog.Infof("Tuning in Sysctl settings ...")
	}
	for _, sys := range settings {
		err := sysctl.Set(sys.Key, sys.Value)
		if err != nil {
			return fmt.Errorf("unable to tune in sysctl setting '%s': %+v", sys.Key, err)
		}
		klog.Debugf("Sysctl: set %s to %s", sys.Key, sys.Value)
	}
	return nil
}
