// Package inspector is an interactive terminal view over a running
// tracer's probe state: every probe in every registered uprobe table and in
// the kernel probe table, with whether each one is armed. Active
// trampolines are not listed.
//
// It is modeled directly on the teacher's CPU debugger (a bubbletea
// model driving a lipgloss layout, with go-spew dumping the selected
// record's detail) — the same shape, pointed at probe tables instead of
// a register file.
package inspector

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/davecgh/go-spew/spew"

	"rvtrace/kprobe"
	"rvtrace/probe"
	"rvtrace/uprobe"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
	selectedStyle = lipgloss.NewStyle().Reverse(true)
	armedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	disarmedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

type row struct {
	label string
	path  string // "" for the kernel table
	r     *probe.Record
}

type model struct {
	dir     *uprobe.Directory
	kernel  *kprobe.Table
	cursor  int
	err     error
}

// New builds an inspector over dir (may be nil) and kernel (may be nil).
func New(dir *uprobe.Directory, kernel *kprobe.Table) model {
	return model{dir: dir, kernel: kernel}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) rows() []row {
	var out []row

	if m.kernel != nil {
		snap := m.kernel.Snapshot()
		for _, r := range sortedRecords(snap.Probes) {
			out = append(out, row{label: "kernel", r: r})
		}
	}

	if m.dir != nil {
		paths := m.dir.Paths()
		sort.Strings(paths)
		for _, path := range paths {
			snap, ok := m.dir.Snapshot(path)
			if !ok {
				continue
			}
			for _, r := range sortedRecords(snap.Probes) {
				out = append(out, row{label: path, path: path, r: r})
			}
		}
	}

	return out
}

func sortedRecords(records []*probe.Record) []*probe.Record {
	out := append([]*probe.Record(nil), records...)
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "j", "down":
			if m.cursor < len(m.rows())-1 {
				m.cursor++
			}
		case "k", "up":
			if m.cursor > 0 {
				m.cursor--
			}
		}
	}
	return m, nil
}

func (m model) table() string {
	rows := m.rows()
	lines := []string{headerStyle.Render(fmt.Sprintf("%-24s %-10s %-8s %-6s", "executable", "addr", "kind", "armed"))}
	for i, rw := range rows {
		style := armedStyle
		if !rw.r.Armed() {
			style = disarmedStyle
		}
		line := fmt.Sprintf("%-24s %#08x %-8s %-6t", rw.label, rw.r.Addr, rw.r.Kind.String(), rw.r.Armed())
		line = style.Render(line)
		if i == m.cursor {
			line = selectedStyle.Render(line)
		}
		lines = append(lines, line)
	}
	if len(rows) == 0 {
		lines = append(lines, "(no probes registered)")
	}
	return strings.Join(lines, "\n")
}

func (m model) detail() string {
	rows := m.rows()
	if m.cursor >= len(rows) {
		return ""
	}
	return spew.Sdump(rows[m.cursor].r)
}

func (m model) View() string {
	return lipgloss.JoinVertical(
		lipgloss.Left,
		m.table(),
		"",
		m.detail(),
		"",
		"j/k move, q quit",
	)
}

// Run starts the interactive inspector, blocking until the user quits.
func Run(dir *uprobe.Directory, kernel *kprobe.Table) error {
	_, err := tea.NewProgram(New(dir, kernel)).Run()
	return err
}
