/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package common

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
)

// AtomicWriteFile writes contents to a temporary file in the target
// directory and renames it over path, so readers never observe a partially
// written file.
func AtomicWriteFile(path string, contents []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	_, err = tmp.Write(contents)
	if err != nil {
		_ = tmp.Close()
		return err
	}
	err = tmp.Chmod(mode)
	if err != nil {
		_ = tmp.Close()
		return err
	}
	err = tmp.Close()
	if err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// HasDiff reports whether contents differ from what is currently on disk.
// A missing target counts as a difference.
func HasDiff(contents []byte, path string) (bool, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	existing, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return false, err
	}
	return !bytes.Equal(contents, existing), nil
}

// WriteFileIfChanged atomically rewrites path when contents differ and
// reports whether a write happened.
func WriteFileIfChanged(path string, contents []byte, mode os.FileMode) (bool, error) {
	diff, err := HasDiff(contents, path)
	if err != nil || !diff {
		return false, err
	}
	return true, AtomicWriteFile(path, contents, mode)
}
