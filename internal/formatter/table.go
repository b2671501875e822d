package formatter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/kura/internal/sandbox"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"github.com/dustin/go-humanize"
)

type TableFormatter struct {
	headerStyle  lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
}

func NewTableFormatter() *TableFormatter {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return &TableFormatter{
		headerStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Align(lipgloss.Center).
			Padding(0, 1),
		oddRowStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		evenRowStyle: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Foreground(purple),
	}
}

func (f *TableFormatter) newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers(headers...)
}

func (f *TableFormatter) FormatInstances(instances []sandbox.Instance) (string, error) {
	if len(instances) == 0 {
		return "No instances found", nil
	}

	t := f.newTable("Name", "Status", "Image", "Memory", "CPUs", "Cloned From", "Created")
	for _, inst := range instances {
		t.Row(
			truncateString(inst.Name, 24),
			string(inst.Status),
			truncateString(inst.Image, 24),
			memory(inst.Resources.MemoryLimit),
			cpus(inst.Resources.CPULimit),
			orDash(inst.ClonedFrom),
			humanize.Time(inst.CreatedAt),
		)
	}
	return t.String(), nil
}

func (f *TableFormatter) FormatBases(bases []sandbox.BaseImage) (string, error) {
	if len(bases) == 0 {
		return "No base images found", nil
	}

	t := f.newTable("Name", "Status", "Backend Ref", "Metadata", "Registered")
	for _, b := range bases {
		t.Row(
			truncateString(b.Name, 24),
			string(b.Status),
			truncateString(orDash(b.BackendRef), 24),
			truncateString(metadata(b.Metadata), 32),
			humanize.Time(b.Registered),
		)
	}
	return t.String(), nil
}

func memory(n int64) string {
	if n <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

func cpus(n float64) string {
	if n <= 0 {
		return "-"
	}
	return humanize.Ftoa(n)
}

func metadata(m map[string]string) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, m[k]))
	}
	return strings.Join(parts, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
