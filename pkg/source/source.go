// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package source provides the files a transmitter serves, addressed by name.
package source

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned for names without a file.
	ErrNotFound = errors.New("file not found")

	// ErrInvalidName is returned for names which cannot address a file.
	ErrInvalidName = errors.New("invalid file name")
)

// Source reads a whole file by its name.
type Source interface {
	Load(name string) ([]byte, error)
}

// CheckName rejects names which are empty or could escape a directory.
func CheckName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	default:
		return nil
	}
}

// MemorySource serves files from memory.
type MemorySource map[string][]byte

func (ms MemorySource) Load(name string) ([]byte, error) {
	if err := CheckName(name); err != nil {
		return nil, err
	}

	if data, ok := ms[name]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}
