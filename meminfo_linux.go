// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

//go:build linux

package shardql

import (
	"golang.org/x/sys/unix"

	"github.com/SnellerInc/shardql/cgroup"
)

// memTotal is the total usable DRAM, bounded
// by the memory limit of our cgroup. On other
// systems it remains zero and no default
// memory limit is configured.
var memTotal int64

func init() {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		panic("sysinfo: " + err.Error())
	}
	memTotal = int64(info.Totalram) * int64(info.Unit)
	if limit := cgroup.MemoryMax(); limit > 0 && limit < memTotal {
		memTotal = limit
	}
}
