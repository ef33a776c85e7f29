package partstat

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/partstat/internal/pkg/pstfs"
)

// PartitionItem is one partition of a distributed dataset.
type PartitionItem struct {
	Index     uint         // Position of the partition in its descriptor
	LocalPath string       // Path of the partition on its host
	Host      HostIdentity // Host that stores the partition
}

// PartitionSet lists the partitions of a distributed dataset in descriptor
// order. It is not modified after loading.
type PartitionSet struct {
	Items []PartitionItem
}

func (p *PartitionSet) add(path, host string) {
	p.Items = append(p.Items, PartitionItem{
		Index:     uint(len(p.Items)),
		LocalPath: path,
		Host:      NewHostIdentity(host),
	})
}

// Hosts returns the distinct hosts of the set, ordered by short name.
func (p *PartitionSet) Hosts() []HostIdentity {
	seen := make(map[string]bool)
	hosts := make([]HostIdentity, 0)
	for _, item := range p.Items {
		if !seen[item.Host.ShortName] {
			seen[item.Host.ShortName] = true
			hosts = append(hosts, item.Host)
		}
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Less(hosts[j]) })
	return hosts
}

// FormatError reports a malformed descriptor.
type FormatError struct {
	Path string
	Line int // 0 when the error is not tied to a line
	Msg  string
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

// UnsupportedFormatError is returned for files that are not a known kind
// of descriptor.
type UnsupportedFormatError struct {
	Path string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("%s: unsupported descriptor format %q", e.Path, filepath.Ext(e.Path))
}

type descriptorKind int

const (
	unknownDescriptor descriptorKind = iota
	gridDescriptor
	referenceDescriptor
)

func kindOf(path string) descriptorKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".vds", ".gds", ".gvds":
		return gridDescriptor
	case ".ref":
		return referenceDescriptor
	}
	return unknownDescriptor
}

// IsDistributedDescriptor reports whether path names a descriptor that
// ParsePartitions can read.
func IsDistributedDescriptor(path string) bool {
	return kindOf(path) != unknownDescriptor
}

// ParsePartitions reads the descriptor at path, which may be local or in S3.
func ParsePartitions(path string) (*PartitionSet, error) {
	kind := kindOf(path)
	if kind == unknownDescriptor {
		return nil, &UnsupportedFormatError{Path: path}
	}

	fs := pstfs.InferFilesystem(path)
	reader, err := fs.OpenReader(path, 0)
	if err != nil {
		return nil, fmt.Errorf("opening descriptor: %w", err)
	}
	defer reader.Close()

	var set *PartitionSet
	if kind == gridDescriptor {
		set, err = parseGridDescriptor(path, reader)
	} else {
		set, err = parseReferenceDescriptor(path, reader)
	}
	if err != nil {
		return nil, err
	}
	log.Debugf("Loaded %d partitions on %d hosts from %s", len(set.Items), len(set.Hosts()), path)
	return set, nil
}

// parseGridDescriptor reads a parameter set of "key = value" lines
// declaring NParts and, per part, Part<i>.FileName and Part<i>.FileSys.
func parseGridDescriptor(path string, r io.Reader) (*PartitionSet, error) {
	params := make(map[string]string)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		if line == "" {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, &FormatError{Path: path, Line: lineNo, Msg: "expected key = value"}
		}
		key := strings.TrimSpace(line[:eq])
		params[key] = unquote(strings.TrimSpace(line[eq+1:]))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	nParts, err := strconv.Atoi(params["NParts"])
	if err != nil || nParts < 0 {
		return nil, &FormatError{Path: path, Msg: fmt.Sprintf("invalid NParts %q", params["NParts"])}
	}

	set := &PartitionSet{Items: make([]PartitionItem, 0, nParts)}
	for i := 0; i < nParts; i++ {
		fileName, ok := params[fmt.Sprintf("Part%d.FileName", i)]
		if !ok {
			return nil, &FormatError{Path: path, Msg: fmt.Sprintf("Part%d.FileName is missing", i)}
		}
		fileSys, ok := params[fmt.Sprintf("Part%d.FileSys", i)]
		if !ok {
			return nil, &FormatError{Path: path, Msg: fmt.Sprintf("Part%d.FileSys is missing", i)}
		}
		colon := strings.IndexByte(fileSys, ':')
		if colon < 0 {
			return nil, &FormatError{Path: path, Msg: fmt.Sprintf("Part%d.FileSys %q is not of the form host:filesystem", i, fileSys)}
		}
		set.add(fileName, fileSys[:colon])
	}
	return set, nil
}

// parseReferenceDescriptor reads one partition per line: the first field is
// the path and the last field is the node storing it.
func parseReferenceDescriptor(path string, r io.Reader) (*PartitionSet, error) {
	set := &PartitionSet{Items: make([]PartitionItem, 0)}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(stripComment(scanner.Text()))
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, &FormatError{Path: path, Line: lineNo, Msg: "expected a path and a node"}
		}
		set.add(fields[0], fields[len(fields)-1])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return set, nil
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}
