/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package common

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kumo-cloud/kumo-vpngw/vpngw/common/klog"
)

// RestartTimeout bounds daemon reload/restart commands.
const RestartTimeout = 30 * time.Second

func LookupBinary(bin string) (string, error) {
	path, err := exec.LookPath(bin)
	if err != nil {
		klog.Errorf("%s executable can't be found in $PATH", bin)
		return "", err
	}

	return path, nil
}

func binExec(timeout time.Duration, bin string, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var outbuf strings.Builder
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = os.Environ()
	cmd.Stdout = &outbuf
	cmd.Stderr = &outbuf

	klog.Debugf("Running %s %s", bin, strings.Join(args, " "))
	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		klog.Warningf("Command %s timed out after %s", bin, timeout)
		return outbuf.String(), ctx.Err()
	}

	return outbuf.String(), err
}

// BinExecSlow runs an external command, bounded by RestartTimeout.
func BinExecSlow(bin string, args []string) error {
	_, err := binExec(RestartTimeout, bin, args)
	return err
}

func IsRoot() bool {
	return os.Getuid() == 0
}
