package terminal

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/derekparker/trie"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"

	"github.com/memscan/memscan/pkg/remote"
	"github.com/memscan/memscan/pkg/scan"
	"github.com/memscan/memscan/pkg/section"
)

func colorsEnabled() bool {
	return strings.ToLower(os.Getenv("TERM")) != "dumb" && isatty.IsTerminal(os.Stdout.Fd())
}

func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}

// formatValue prints integers in decimal and in hexadecimal.
func formatValue(v scan.Value) string {
	switch v.Kind() {
	case scan.Int8, scan.Int16, scan.Int32, scan.Int64, scan.UInt8, scan.UInt16, scan.UInt32, scan.UInt64:
		return fmt.Sprintf("%s (%s)", v, v.Hex())
	}
	return v.String()
}

func renderTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	hdr := make([]any, len(header))
	for i := range header {
		hdr[i] = header[i]
	}
	table.Header(hdr...)
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}

func printProcesses(w io.Writer, procs []remote.ProcessEntry) error {
	rows := make([][]string, len(procs))
	for i, p := range procs {
		rows[i] = []string{strconv.Itoa(p.ID), p.Name}
	}
	return renderTable(w, []string{"PID", "Name"}, rows)
}

func printResults(t *Term, s *scan.Session, n int) error {
	results := s.Results()
	if len(results) == 0 {
		fmt.Fprintln(t.stdout, "No candidates.")
		return nil
	}
	shown := results
	if len(shown) > n {
		shown = shown[:n]
	}
	var secs []section.Section
	if t.proc != nil && t.proc.ID == s.PID() {
		secs = t.proc.Sections
	}
	rows := make([][]string, len(shown))
	for i, r := range shown {
		name := ""
		if sec, ok := section.Find(secs, r.Address); ok {
			name = fmt.Sprintf("%s+%#x", sec.Name, r.Address-sec.Start)
		}
		rows[i] = []string{strconv.Itoa(i), fmt.Sprintf("%#x", r.Address), formatValue(r.Value), name}
	}
	if err := renderTable(t.stdout, []string{"#", "Address", "Value", "Section"}, rows); err != nil {
		return err
	}
	if len(results) > len(shown) {
		fmt.Fprintf(t.stdout, "(%d more candidates)\n", len(results)-len(shown))
	}
	return nil
}

func printKinds(w io.Writer) error {
	rows := [][]string{}
	for _, k := range scan.Kinds() {
		size := "variable"
		if n, err := scan.SizeOf(k); err == nil {
			size = strconv.Itoa(n)
		}
		var cks []string
		for _, ck := range scan.AllowedCompareKinds(k, scan.FirstPass) {
			cks = append(cks, ck.String())
		}
		rows = append(rows, []string{k.String(), size, strings.Join(cks, " ")})
	}
	return renderTable(w, []string{"Kind", "Size", "First scan compares"}, rows)
}

func printCompares(w io.Writer) error {
	rows := [][]string{}
	for _, ck := range scan.CompareKinds() {
		pass := "first, next"
		if ck.NeedsPrevious() {
			pass = "next"
		}
		rows = append(rows, []string{ck.String(), strconv.Itoa(ck.Arity()), pass, ck.Help()})
	}
	return renderTable(w, []string{"Compare", "Operands", "Passes", "Description"}, rows)
}

// kindArgCommands take a kind as their first argument.
var kindArgCommands = map[string]bool{"scan": true, "s": true, "read": true, "r": true, "write": true, "w": true}

func kindTrie() *trie.Trie {
	tr := trie.New()
	for _, k := range scan.Kinds() {
		tr.Add(k.String(), nil)
	}
	return tr
}

func compareTrie() *trie.Trie {
	tr := trie.New()
	for _, ck := range scan.CompareKinds() {
		tr.Add(ck.String(), nil)
	}
	return tr
}

// complete returns the completions of line: command names for the first
// word, kind names after scan, read and write, compare kinds after a kind
// or after next.
func (t *Term) complete(line string) []string {
	words := strings.Fields(line)
	trailing := strings.HasSuffix(line, " ")
	if len(words) == 0 || (len(words) == 1 && !trailing) {
		prefix := ""
		if len(words) == 1 {
			prefix = words[0]
		}
		return sortedCompletions("", t.cmds.names.PrefixSearch(prefix))
	}

	prefix := ""
	done := words
	if !trailing {
		prefix = words[len(words)-1]
		done = words[:len(words)-1]
	}
	head := strings.Join(done, " ") + " "

	switch {
	case len(done) == 1 && kindArgCommands[done[0]]:
		return sortedCompletions(head, kindTrie().PrefixSearch(prefix))
	case len(done) == 2 && (done[0] == "scan" || done[0] == "s"):
		return sortedCompletions(head, compareTrie().PrefixSearch(prefix))
	case len(done) == 1 && (done[0] == "next" || done[0] == "n"):
		return sortedCompletions(head, compareTrie().PrefixSearch(prefix))
	}
	return nil
}

func sortedCompletions(head string, names []string) []string {
	r := make([]string, len(names))
	for i := range names {
		r[i] = head + names[i]
	}
	sort.Strings(r)
	return r
}
