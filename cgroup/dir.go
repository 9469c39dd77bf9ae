// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package cgroup reads resource limits from
// the Linux cgroupv2 filesystem API.
// For more information, please consult the
// relevant kernel documentation.
package cgroup

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Dir is an absolute directory path
// (including the mount path of the cgroup2 mountpoint).
type Dir string

// IsZero returns true if d is the zero value of Dir.
func (d Dir) IsZero() bool { return d == "" }

// Root returns the first found cgroup2
// mountpoint from /proc/mounts.
func Root() (Dir, error) { return root("/proc/mounts") }

func root(mounts string) (Dir, error) {
	f, err := os.Open(mounts)
	if err != nil {
		return "", err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		parts := strings.Fields(s.Text())
		if len(parts) >= 3 && parts[2] == "cgroup2" {
			return Dir(parts[1]), nil
		}
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	return "", fs.ErrNotExist
}

// Sub returns a new Dir that represents a
// sub-directory of d.
func (d Dir) Sub(dir string) Dir { return Dir(d.join(dir)) }

func (d Dir) join(name string) string { return filepath.Join(string(d), name) }

// Self returns the cgroup of the current process,
// provided that the current process is *only* a member
// of a cgroup2 and not a legacy cgroup1 hierarchy.
func Self() (Dir, error) { return self("/proc/self/cgroup", "/proc/mounts") }

func self(procfile, mounts string) (Dir, error) {
	text, err := os.ReadFile(procfile)
	if err != nil {
		return "", err
	}
	if len(text) < 3 || text[0] != '0' || text[1] != ':' || text[2] != ':' {
		return "", fmt.Errorf("don't understand %s (are you using systemd?): %s", procfile, text)
	}
	text = bytes.TrimSpace(text)
	i := bytes.IndexByte(text, '/')
	if i < 0 {
		return "", fmt.Errorf("%s is not a valid cgroup", text)
	}
	r, err := root(mounts)
	if err != nil {
		return "", err
	}
	return r.Sub(string(text[i:])), nil
}

// Limit reads the limit in the file with the
// given name within d. The limit "max" is
// reported as -1.
func (d Dir) Limit(name string) (int64, error) {
	text, err := os.ReadFile(d.join(name))
	if err != nil {
		return 0, err
	}
	text = bytes.TrimSpace(text)
	if string(text) == "max" {
		return -1, nil
	}
	n, err := strconv.ParseInt(string(text), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", d.join(name), err)
	}
	return n, nil
}

// MemoryMax returns the memory limit of d and its
// ancestors up to the mountpoint, or -1 if none
// is set.
func (d Dir) MemoryMax(mount Dir) (int64, error) {
	limit := int64(-1)
	for dir := d; strings.HasPrefix(string(dir), string(mount)) && dir != mount; dir = Dir(filepath.Dir(string(dir))) {
		n, err := dir.Limit("memory.max")
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		if n >= 0 && (limit < 0 || n < limit) {
			limit = n
		}
	}
	return limit, nil
}

// MemoryMax returns the memory limit of the
// current process, or -1 if it has none or
// cgroups are unavailable.
func MemoryMax() int64 {
	r, err := Root()
	if err != nil {
		return -1
	}
	d, err := Self()
	if err != nil {
		return -1
	}
	n, err := d.MemoryMax(r)
	if err != nil {
		return -1
	}
	return n
}
