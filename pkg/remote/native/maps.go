// Package native is a remote.Provider for processes of the local machine.
// Sections come from /proc/<pid>/maps and memory is accessed with
// process_vm_readv and process_vm_writev, so the scanner needs the same
// privileges as a debugger attaching to the process, but never stops it.
package native

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/memscan/memscan/pkg/section"
)

// parseMaps parses the contents of a /proc/<pid>/maps file. Regions with
// no access rights, such as guard pages, are skipped.
func parseMaps(r io.Reader) ([]section.Section, error) {
	var secs []section.Section
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		sec, err := parseMapsLine(line)
		if err != nil {
			return nil, fmt.Errorf("maps line %d: %w", lineno, err)
		}
		if sec.Prot == 0 || sec.Size == 0 {
			continue
		}
		secs = append(secs, sec)
	}
	return secs, sc.Err()
}

// parseMapsLine parses one line of the form
//
//	start-end perms offset dev inode [path]
func parseMapsLine(line string) (section.Section, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return section.Section{}, fmt.Errorf("malformed line %q", line)
	}
	dash := strings.IndexByte(fields[0], '-')
	if dash < 0 {
		return section.Section{}, fmt.Errorf("malformed address range %q", fields[0])
	}
	start, err := strconv.ParseUint(fields[0][:dash], 16, 64)
	if err != nil {
		return section.Section{}, err
	}
	end, err := strconv.ParseUint(fields[0][dash+1:], 16, 64)
	if err != nil {
		return section.Section{}, err
	}
	if end < start {
		return section.Section{}, fmt.Errorf("address range %q ends before it starts", fields[0])
	}
	prot, err := section.ParseProtection(fields[1])
	if err != nil {
		return section.Section{}, err
	}
	var name string
	if len(fields) > 5 {
		// paths may contain spaces
		name = strings.Join(fields[5:], " ")
	}
	return section.Section{Name: name, Start: start, Size: end - start, Prot: prot}, nil
}
