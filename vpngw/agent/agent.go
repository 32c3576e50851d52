/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package agent

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vishvananda/netlink"

	"github.com/kumo-cloud/kumo-vpngw/vpngw/common"
	"github.com/kumo-cloud/kumo-vpngw/vpngw/common/klog"
)

const (
	AgentAppName = "kumo-vpngw"

	defaultPrimaryInterface = "eth0"

	ErrorAgentNotRoot = "Agent is not running with root privileges"
)

// StepResult records one externally-visible step of a cycle: either it
// succeeded or it failed recoverably with detail. Failures never vanish
// silently and never abort the cycle.
type StepResult struct {
	Step string
	Err  error
}

func failedSteps(steps []StepResult) int {
	failed := 0
	for _, step := range steps {
		if step.Err != nil {
			failed++
		}
	}
	return failed
}

// Paths groups every fixed, well-known path the agent reads or writes.
// Tests point them at a temp dir.
type Paths struct {
	ResolvedConfig     string `yaml:"resolvedConfig,omitempty"`
	AppliedState       string `yaml:"appliedState,omitempty"`
	SwanctlConnections string `yaml:"swanctlConnections,omitempty"`
	SwanctlSecrets     string `yaml:"swanctlSecrets,omitempty"`
	CharonOverride     string `yaml:"charonOverride,omitempty"`
	NetworkOverride    string `yaml:"networkOverride,omitempty"`
	FirewallPeers      string `yaml:"firewallPeers,omitempty"`
	FirewallManagement string `yaml:"firewallManagement,omitempty"`
	UpdownScript       string `yaml:"updownScript,omitempty"`
	StrongswanUnit     string `yaml:"strongswanUnit,omitempty"`
	NftablesUnit       string `yaml:"nftablesUnit,omitempty"`
}

func DefaultPaths() Paths {
	return Paths{
		ResolvedConfig:     "/etc/kumo-vpngw/config-resolved.yaml",
		AppliedState:       "/var/lib/kumo-vpngw/applied.json",
		SwanctlConnections: "/etc/swanctl/conf.d/kumo-vpngw.conf",
		SwanctlSecrets:     "/etc/swanctl/conf.d/kumo-vpngw.secrets.conf",
		CharonOverride:     "/etc/strongswan.d/kumo-vpngw.conf",
		NetworkOverride:    "/etc/systemd/network/10-kumo-vpngw-primary.network",
		FirewallPeers:      "/etc/nft-vpngw/peers.nft",
		FirewallManagement: "/etc/nft-vpngw/management.nft",
		UpdownScript:       "/usr/local/bin/kumo-vti-updown",
		StrongswanUnit:     "strongswan.service",
		NftablesUnit:       "nftables.service",
	}
}

func (p *Paths) applyDefaults() {
	defaults := DefaultPaths()
	if p.ResolvedConfig == "" {
		p.ResolvedConfig = defaults.ResolvedConfig
	}
	if p.AppliedState == "" {
		p.AppliedState = defaults.AppliedState
	}
	if p.SwanctlConnections == "" {
		p.SwanctlConnections = defaults.SwanctlConnections
	}
	if p.SwanctlSecrets == "" {
		p.SwanctlSecrets = defaults.SwanctlSecrets
	}
	if p.CharonOverride == "" {
		p.CharonOverride = defaults.CharonOverride
	}
	if p.NetworkOverride == "" {
		p.NetworkOverride = defaults.NetworkOverride
	}
	if p.FirewallPeers == "" {
		p.FirewallPeers = defaults.FirewallPeers
	}
	if p.FirewallManagement == "" {
		p.FirewallManagement = defaults.FirewallManagement
	}
	if p.UpdownScript == "" {
		p.UpdownScript = defaults.UpdownScript
	}
	if p.StrongswanUnit == "" {
		p.StrongswanUnit = defaults.StrongswanUnit
	}
	if p.NftablesUnit == "" {
		p.NftablesUnit = defaults.NftablesUnit
	}
}

// Agent wires the reconcile pipeline: StateGate, renderer, enforcer and
// firewall sync around one shared slot assignment.
type Agent struct {
	paths    Paths
	gate     *StateGate
	renderer *ProtocolConfigRenderer
	enforcer *RoutingInvariantEnforcer
	firewall *FirewallSync
	metrics  *Exporter

	reload   chan struct{}
	shutdown chan os.Signal
}

func NewAgent(paths Paths, buildIdentity string, nl NetlinkOps, units UnitReloader) *Agent {
	paths.applyDefaults()
	return &Agent{
		paths:    paths,
		gate:     NewStateGate(paths.AppliedState, buildIdentity),
		renderer: NewProtocolConfigRenderer(paths, nl, units),
		enforcer: NewRoutingInvariantEnforcer(nl),
		firewall: NewFirewallSync(paths, units),
		reload:   make(chan struct{}, 1),
		shutdown: make(chan os.Signal, 1),
	}
}

func (a *Agent) SetExporter(e *Exporter) {
	a.metrics = e
}

// Reconcile runs one full cycle. A missing configuration file skips the
// cycle deliberately; previously applied state stays in effect.
func (a *Agent) Reconcile() {
	cfg, err := LoadResolvedConfig(a.paths.ResolvedConfig)
	if os.IsNotExist(err) {
		klog.Warningf("Resolved config not found at %s; skipping this cycle", a.paths.ResolvedConfig)
		return
	}
	if err != nil {
		klog.Errorf("Unable to load resolved config; skipping this cycle: %s", err)
		return
	}

	slots := TunnelSlots(cfg)
	klog.Infof("Reconciling %d connection(s), %d active tunnel slot(s)", len(cfg.Connections), len(slots))

	// Invariants hold regardless of whether configuration changed.
	summary := a.enforcer.Enforce(cfg, slots)

	var steps []StepResult
	if a.gate.ShouldApply(cfg) {
		klog.Notice("Configuration or build identity changed; re-rendering protocol config")
		steps = a.renderer.Apply(cfg, slots)
		if failedSteps(steps) > 0 {
			// Recording the fingerprint now would make the next cycle skip
			// the re-render and the failed steps would never be retried.
			klog.Warningf("Apply left %d step(s) unfinished; next cycle re-applies", failedSteps(steps))
		} else {
			err := a.gate.RecordApplied(cfg)
			if err != nil {
				klog.Errorf("Unable to persist applied-state record: %s", err)
				steps = append(steps, StepResult{Step: "record-applied", Err: err})
			}
		}
	} else {
		klog.Info("No configuration changes detected; skipping protocol re-render")
	}

	err = a.firewall.Sync(cfg)
	if err != nil {
		klog.Errorf("Firewall sync failed: %s", err)
		steps = append(steps, StepResult{Step: "firewall-sync", Err: err})
	}

	failures := failedSteps(steps)
	for _, step := range steps {
		if step.Err != nil {
			klog.Warningf("Step %s failed (retried next cycle): %s", step.Step, step.Err)
		}
	}
	if a.metrics != nil {
		a.metrics.ObserveCycle(summary, failures)
	}
	klog.Infof("Reconcile cycle complete: %s step_failures=%d", summary, failures)
}

// TriggerReload queues a reconcile run. Cycles are single-flight: a reload
// arriving mid-cycle is queued for immediately after; further signals while
// one is already queued are dropped and logged.
func (a *Agent) TriggerReload() {
	select {
	case a.reload <- struct{}{}:
	default:
		klog.Warning("Reload already queued; dropping extra signal")
	}
}

// Run performs the startup reconcile, then idles waiting for reload
// signals (SIGHUP) until interrupted.
func (a *Agent) Run() {
	signal.Notify(a.shutdown, syscall.SIGINT, syscall.SIGTERM)

	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)

	// startup counts as the first trigger
	a.TriggerReload()

	for {
		select {
		case <-a.reload:
			a.Reconcile()
		case <-hangup:
			klog.Info("Received reload signal")
			a.TriggerReload()
		case <-a.shutdown:
			klog.Info("Explicit shutdown has been requested ...")
			return
		}
	}
}

// AgentConfig is the agent's own YAML configuration (not the resolved
// gateway document).
type AgentConfig struct {
	LogLevel       string `yaml:"logLevel,omitempty"`
	MetricsAddress string `yaml:"metricsAddress,omitempty"`
	Paths          Paths  `yaml:"paths,omitempty"`
}

func Daemonize() error {
	cfgFile, debug := ParseCommands()

	cfg, err := AgentConfigParser(cfgFile)
	if err != nil {
		return fmt.Errorf("config: unable to unmarshal config (%s)", err)
	}

	logLevel := cfg.LogLevel
	if logLevel == "" {
		logLevel = "INFO"
	}
	if debug {
		logLevel = "DEBUG"
	}
	klog.Init(AgentAppName, []klog.LoggerConfiguration{
		{
			Type:    "console",
			Enabled: true,
			Level:   logLevel,
		},
	})

	if !common.IsRoot() {
		klog.Error(ErrorAgentNotRoot)
		return fmt.Errorf("%s", ErrorAgentNotRoot)
	}

	err = applySysctlSettings(gatewaySysctlSettings)
	if err != nil {
		return err
	}

	handle, err := netlink.NewHandle()
	if err != nil {
		return fmt.Errorf("unable to open netlink handle: %w", err)
	}

	a := NewAgent(cfg.Paths, BuildIdentity(), handle, NewUnitReloader())

	if cfg.MetricsAddress != "" {
		exporter := NewExporter()
		a.SetExporter(exporter)
		go exporter.Serve(cfg.MetricsAddress)
	}

	a.Run()
	return nil
}
