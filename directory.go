package zeroskip

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

// filenamePrefix and uuidTextLen define the zeroskip-<uuid>-<N>[-<N>]
// naming scheme (§6). uuid.UUID's canonical String() form is always 36
// bytes (8-4-4-4-12 hex with hyphens), so it can be sliced out of the
// filename without itself being split on "-".
const filenamePrefix = "zeroskip-"

const uuidTextLen = 36

// segmentKind classifies a segment file by its index range (§6, §4.9).
type segmentKind int

const (
	kindActive segmentKind = iota
	kindFinalised
	kindPacked
)

// segmentFileInfo is one parsed directory entry.
type segmentFileInfo struct {
	name  string
	uuid  uuid.UUID
	start uint32
	end   uint32
	kind  segmentKind
}

func activeFilename(id uuid.UUID, idx uint32) string {
	return fmt.Sprintf("%s%s-%d", filenamePrefix, id.String(), idx)
}

func finalisedFilename(id uuid.UUID, idx uint32) string {
	return fmt.Sprintf("%s%s-%d-%d", filenamePrefix, id.String(), idx, idx)
}

func packedFilename(id uuid.UUID, start, end uint32) string {
	return fmt.Sprintf("%s%s-%d-%d", filenamePrefix, id.String(), start, end)
}

// parseSegmentFilename parses a "zeroskip-<uuid>-<N>[-<N>]" filename. It
// returns ok=false for anything that doesn't match, so callers can silently
// skip unrelated directory entries (e.g. .zsdb, lock files).
func parseSegmentFilename(name string) (info segmentFileInfo, ok bool) {
	if !strings.HasPrefix(name, filenamePrefix) {
		return segmentFileInfo{}, false
	}
	rest := name[len(filenamePrefix):]
	if len(rest) < uuidTextLen+2 {
		return segmentFileInfo{}, false
	}

	id, err := uuid.Parse(rest[:uuidTextLen])
	if err != nil {
		return segmentFileInfo{}, false
	}

	if rest[uuidTextLen] != '-' {
		return segmentFileInfo{}, false
	}
	tail := rest[uuidTextLen+1:]

	parts := strings.Split(tail, "-")
	switch len(parts) {
	case 1:
		idx, err := parseUint32(parts[0])
		if err != nil {
			return segmentFileInfo{}, false
		}
		return segmentFileInfo{name: name, uuid: id, start: idx, end: idx, kind: kindActive}, true
	case 2:
		s, err1 := parseUint32(parts[0])
		e, err2 := parseUint32(parts[1])
		if err1 != nil || err2 != nil {
			return segmentFileInfo{}, false
		}
		kind := kindPacked
		if s == e {
			kind = kindFinalised
		}
		return segmentFileInfo{name: name, uuid: id, start: s, end: e, kind: kind}, true
	default:
		return segmentFileInfo{}, false
	}
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// scanDirectory lists every zeroskip segment file in dir belonging to id,
// classified by kind, sorted by start index ascending (§4.9 open: "opens
// every finalised segment in sorted order ... opens every packed segment").
// It also reports names in the directory that parse as segment files but
// belong to a different UUID, since that indicates directory corruption or
// misuse, and any non-segment entries are ignored entirely.
func scanDirectory(dir string, id uuid.UUID) (active *segmentFileInfo, finalised, packed []segmentFileInfo, foreign []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, nil, nil, wrapErr(IoError, "read directory", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, ok := parseSegmentFilename(e.Name())
		if !ok {
			continue
		}
		if info.uuid != id {
			foreign = append(foreign, e.Name())
			continue
		}
		switch info.kind {
		case kindActive:
			cp := info
			active = &cp
		case kindFinalised:
			finalised = append(finalised, info)
		case kindPacked:
			packed = append(packed, info)
		}
	}

	sort.Slice(finalised, func(i, j int) bool { return finalised[i].start < finalised[j].start })
	sort.Slice(packed, func(i, j int) bool { return packed[i].start < packed[j].start })

	return active, finalised, packed, foreign, nil
}

// orphanedSegments returns directory entries that look like zeroskip
// segment files (any UUID) but are not among the expected set this open
// session is actually using — left behind by a process that crashed mid
// repack (§4.10). Uses a set difference the way Epokhe-bitdb's
// checkOrphanedSegments does, generalised from "all segment files" to
// "segment files not reachable from the classified set".
func orphanedSegments(dir string, expected []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, wrapErr(IoError, "read directory", err)
	}

	actual := mapset.NewSet[string]()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := parseSegmentFilename(e.Name()); ok {
			actual.Add(e.Name())
		}
	}

	exp := mapset.NewSet[string](expected...)
	diff := actual.Difference(exp)
	if diff.Cardinality() == 0 {
		return nil, nil
	}
	return diff.ToSlice(), nil
}
