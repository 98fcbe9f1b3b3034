package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"audioguard/internal/core"
	"audioguard/internal/domain"
	"audioguard/internal/registry"
	"audioguard/internal/usecase"
)

var (
	accentColor = lipgloss.Color("#7D56F4")
	okColor     = lipgloss.Color("#43BF6D")
	warnColor   = lipgloss.Color("#FFA500")
	mutedColor  = lipgloss.Color("#626262")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	keyStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	okStyle     = lipgloss.NewStyle().Foreground(okColor)
	warnStyle   = lipgloss.NewStyle().Foreground(warnColor)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

const (
	minWidth = 60
	maxWidth = 120
)

// terminalWidth returns 0 when stdout is not a terminal.
func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	width, _, err := term.GetSize(fd)
	if err != nil || width < minWidth {
		return minWidth
	}
	if width > maxWidth {
		return maxWidth
	}
	return width
}

// percent renders a volume; nil means unknown.
func percent(v *float64) string {
	if v == nil {
		return "-"
	}
	return humanize.FtoaWithDigits(*v, 1) + "%"
}

func percentValue(v float64) string {
	return percent(&v)
}

func onOff(v bool) string {
	if v {
		return okStyle.Render("on")
	}
	return warnStyle.Render("off")
}

func keyValue(w io.Writer, key, value string) {
	fmt.Fprintf(w, "  %s %s\n", keyStyle.Render(key+":"), value)
}

// printDevices renders the device list with the slots each device fills.
func printDevices(w io.Writer, devices []registry.DeviceSnapshot, defaults map[string]string) {
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Flow != devices[j].Flow {
			return devices[i].Flow > devices[j].Flow
		}
		return devices[i].Name < devices[j].Name
	})

	roles := make(map[string][]string)
	for slot, id := range defaults {
		roles[id] = append(roles[id], slot)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(mutedColor)).
		Headers("NAME", "FLOW", "STATE", "VOLUME", "TARGET", "CONTROL", "DEFAULT FOR").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	if width := terminalWidth(); width > 0 {
		t = t.Width(width)
	}
	for _, d := range devices {
		slots := roles[d.ID.String()]
		sort.Strings(slots)
		t.Row(d.Name, d.Flow, d.State, percent(d.Volume), percentValue(d.TargetVolume), onOff(d.ControlEnabled), strings.Join(slots, ", "))
	}
	fmt.Fprintln(w, t.Render())
}

func printMicrophone(w io.Writer, st core.Status) {
	fmt.Fprintln(w, titleStyle.Render("Microphone"))
	if !st.Bound {
		keyValue(w, "device", warnStyle.Render("none"))
		return
	}
	keyValue(w, "device", st.DeviceName)
	keyValue(w, "volume", percent(st.Volume))
	keyValue(w, "target", percent(st.Target))
	keyValue(w, "control", onOff(st.ControlEnabled))
	keyValue(w, "pending", fmt.Sprint(st.Pending))
	last := "never"
	if st.LastCorrection != nil {
		last = humanize.Time(*st.LastCorrection)
	}
	keyValue(w, "corrections", fmt.Sprintf("%s (last %s)", humanize.Comma(st.Corrections), last))
	if st.LastError != "" {
		keyValue(w, "last error", warnStyle.Render(st.LastError))
	}
}

func printSnapshot(w io.Writer, snap usecase.Snapshot) {
	fmt.Fprintln(w, titleStyle.Render("Engine"))
	if !snap.StartedAt.IsZero() {
		keyValue(w, "started", humanize.Time(snap.StartedAt))
	}
	keyValue(w, "devices", fmt.Sprintf("%d (%s ignored)", snap.Devices, humanize.Comma(snap.IgnoredDevices)))
	keyValue(w, "session adjustments", humanize.Comma(snap.SessionAdjustments))
	printMicrophone(w, snap.Microphone)
}

func printPreferences(w io.Writer, prefs []domain.DevicePreference) {
	if len(prefs) == 0 {
		fmt.Fprintln(w, "no stored preferences")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(mutedColor)).
		Headers("ID", "NAME", "TARGET", "CONTROL").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, p := range prefs {
		t.Row(p.ID.String(), p.Name, percentValue(p.TargetVolume), onOff(p.ControlEnabled))
	}
	fmt.Fprintln(w, t.Render())
}
