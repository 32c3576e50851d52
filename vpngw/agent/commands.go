/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package agent

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
)

var version = "was not built correctly"  // set via the Makefile
var codename = "was not built correctly" // set via the Makefile

const (
	flagDescConfig  = "YAML config file to be used"
	flagDescDebug   = "Enable verbose/debug output"
	flagDescVersion = "Display version"
)

// BuildIdentity identifies the agent binary; it feeds the StateGate
// fingerprint so that an upgrade alone forces a protocol re-render.
func BuildIdentity() string {
	return fmt.Sprintf("%s (%s)", version, codename)
}

func ParseCommands() (*os.File, bool) {
	configFile := kingpin.Flag("config", flagDescConfig).Short('c').Required().File()
	debug := kingpin.Flag("debug", flagDescDebug).Short('d').Bool()
	vers := kingpin.Flag("version", flagDescVersion).Short('v').Bool()

	kingpin.Parse()

	if *vers {
		fmt.Println(BuildIdentity())
		os.Exit(0)
	}

	return *configFile, *debug
}

func AgentConfigParser(f *os.File) (*AgentConfig, error) {
	var config AgentConfig

	contents, _ := io.ReadAll(f)
	defer func() {
		_ = f.Close()
	}()
	err := yaml.Unmarshal(contents, &config)
	if err != nil {
		return &config, err
	}

	return &config, nil
}
