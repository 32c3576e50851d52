/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package main

import (
	"os"

	"github.com/kumo-cloud/kumo-vpngw/vpngw/agent"
	"github.com/kumo-cloud/kumo-vpngw/vpngw/common/klog"
)

func main() {
	err := agent.Daemonize()
	if err != nil {
		klog.Error(err)
		os.Exit(1)
	}
}
