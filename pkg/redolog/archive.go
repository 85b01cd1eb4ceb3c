// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package redolog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"
)

const (
	archivePrefix     = "redo-"
	archiveSeqMarker  = "-seq"
	archiveSuffix     = ".log"
	archiveTimeFormat = "20060102.150405.000"
)

// ArchiveInfo describes a retired log in the archive directory.
type ArchiveInfo struct {
	Path       string
	Sequence   int64
	CreateTime time.Time
}

// ArchiveName returns the file name a log with the given sequence and
// creation time (in milliseconds) is archived under. Names sort by creation
// time.
func ArchiveName(seq int64, createTime int64) string {
	t := time.UnixMilli(createTime).UTC()
	return fmt.Sprintf("%s%s%s%d%s", archivePrefix, t.Format(archiveTimeFormat), archiveSeqMarker, seq, archiveSuffix)
}

// parseArchiveName is the inverse of ArchiveName.
func parseArchiveName(name string) (seq int64, created time.Time, ok bool) {
	if !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, archiveSuffix) {
		return 0, time.Time{}, false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), archiveSuffix)
	i := strings.LastIndex(mid, archiveSeqMarker)
	if i < 0 {
		return 0, time.Time{}, false
	}
	created, err := time.Parse(archiveTimeFormat, mid[:i])
	if err != nil {
		return 0, time.Time{}, false
	}
	seq, err = strconv.ParseInt(mid[i+len(archiveSeqMarker):], 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return seq, created, true
}

// ListArchives returns the archived logs in dir sorted by sequence number.
// A missing directory holds no archives.
func ListArchives(dir string) ([]ArchiveInfo, error) {
	children, err := readDirNames(dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		log.Errorf("Failed to read archive dir %q: %v", dir, err)
		return nil, err
	}

	var out []ArchiveInfo
	for _, child := range children {
		seq, created, ok := parseArchiveName(child)
		if !ok {
			log.V(10).Infof("Skipping non-archive file %s", child)
			continue
		}
		out = append(out, ArchiveInfo{Path: filepath.Join(dir, child), Sequence: seq, CreateTime: created})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// MissingSequences returns the sequence numbers absent between the first and
// last of the given archives, which must be sorted. A gap means a retired log
// was lost.
func MissingSequences(archives []ArchiveInfo) []int64 {
	var missing []int64
	for i := 1; i < len(archives); i++ {
		for s := archives[i-1].Sequence + 1; s < archives[i].Sequence; s++ {
			missing = append(missing, s)
		}
	}
	return missing
}

// nextArchivedSequence returns one more than the highest archived sequence,
// or ok=false if there are no archives.
func nextArchivedSequence(dir string) (seq int64, ok bool, err error) {
	if dir == "" {
		return 0, false, nil
	}
	archives, err := ListArchives(dir)
	if err != nil || len(archives) == 0 {
		return 0, false, err
	}
	return archives[len(archives)-1].Sequence + 1, true, nil
}

func readDirNames(dir string) ([]string, error) {
	d, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return d.Readdirnames(0)
}

// syncDir makes changes to the set of files in dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		log.Errorf("Failed to open dir %q for fsync: %v", dir, err)
		return err
	}

	if err = d.Sync(); err != nil {
		log.Errorf("Failed to fsync dir %q: %v", dir, err)
		if cerr := d.Close(); cerr != nil {
			log.Errorf("Failed to close dir %q: %v", dir, cerr)
		}
		return err
	}

	if err = d.Close(); err != nil {
		log.Errorf("Failed to close dir %q: %v", dir, err)
		return err
	}
	return nil
}
