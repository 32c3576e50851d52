/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/kumo-cloud/kumo-vpngw/vpngw/common"
	"github.com/kumo-cloud/kumo-vpngw/vpngw/common/klog"
)

// AppliedStateRecord is persisted after every successful apply and read at
// the start of every reconcile to decide whether a protocol re-render is
// needed at all.
type AppliedStateRecord struct {
	Fingerprint    string                 `json:"fingerprint"`
	BuildIdentity  string                 `json:"build_identity"`
	Timestamp      time.Time              `json:"timestamp"`
	ResolvedConfig *ResolvedGatewayConfig `json:"resolved_config"`
}

// StateGate decides whether the expensive, disruptive protocol re-render is
// required. The routing invariant enforcer runs regardless of its answer.
type StateGate struct {
	path  string
	build string
}

func NewStateGate(path, buildIdentity string) *StateGate {
	return &StateGate{
		path:  path,
		build: buildIdentity,
	}
}

// Fingerprint hashes the canonicalized configuration content together with
// the agent build identity, so a binary upgrade alone forces a re-render
// even with byte-identical configuration.
func (g *StateGate) Fingerprint(cfg *ResolvedGatewayConfig) string {
	canonical, err := json.Marshal(cfg)
	if err != nil {
		// Marshalling our own value types cannot fail in practice;
		// treat it as an always-apply signal rather than a crash.
		klog.Errorf("Unable to canonicalize configuration: %s", err)
		return ""
	}

	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(g.build))
	return hex.EncodeToString(h.Sum(nil))
}

func (g *StateGate) load() *AppliedStateRecord {
	contents, err := os.ReadFile(filepath.Clean(g.path))
	if err != nil {
		return nil
	}

	var record AppliedStateRecord
	err = json.Unmarshal(contents, &record)
	if err != nil {
		klog.Warningf("Corrupt applied-state record %s, forcing re-apply: %s", g.path, err)
		return nil
	}
	return &record
}

// ShouldApply reports whether the configuration (or the agent itself)
// changed since the last recorded apply. Absence of a record means apply.
func (g *StateGate) ShouldApply(cfg *ResolvedGatewayConfig) bool {
	last := g.load()
	if last == nil {
		return true
	}
	fingerprint := g.Fingerprint(cfg)
	return fingerprint == "" || last.Fingerprint != fingerprint
}

// RecordApplied persists the fingerprint, build identity, timestamp and the
// configuration snapshot that produced them.
func (g *StateGate) RecordApplied(cfg *ResolvedGatewayConfig) error {
	record := AppliedStateRecord{
		Fingerprint:    g.Fingerprint(cfg),
		BuildIdentity:  g.build,
		Timestamp:      time.Now().UTC(),
		ResolvedConfig: cfg,
	}

	contents, err := json.MarshalIndent(&record, "", "  ")
	if err != nil {
		return err
	}

	return common.AtomicWriteFile(g.path, contents, 0600)
}
