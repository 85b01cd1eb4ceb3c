// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package redolog

import (
	"encoding/binary"
	"fmt"
)

// Version is the format version of a redo log header.
type Version struct {
	Major int16
	Minor int16
}

// LatestVersion is the highest header version this package can read, and the
// version it writes.
var LatestVersion = Version{Major: 1, Minor: 2}

// versionLen is the serialized size of a Version.
const versionLen = 4

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1, 0 or 1 as v is lower than, equal to or higher than o.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major < o.Major:
		return -1
	case v.Major > o.Major:
		return 1
	case v.Minor < o.Minor:
		return -1
	case v.Minor > o.Minor:
		return 1
	}
	return 0
}

// TooHigh returns true if v is newer than LatestVersion.
func (v Version) TooHigh() bool {
	return v.Compare(LatestVersion) > 0
}

func (v Version) put(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], uint16(v.Major))
	binary.BigEndian.PutUint16(b[2:4], uint16(v.Minor))
}

// readVersion decodes a Version. Headers written before the log was
// versioned carry 0.0, which reads as 1.0.
func readVersion(b []byte) Version {
	v := Version{
		Major: int16(binary.BigEndian.Uint16(b[0:2])),
		Minor: int16(binary.BigEndian.Uint16(b[2:4])),
	}
	if v.Major == 0 && v.Minor == 0 {
		v = Version{Major: 1, Minor: 0}
	}
	return v
}
