// Package tui is the terminal front-end: firmware path entry, port and
// baud pickers, a scrolling message log and the two flash actions. It is
// a host of the core engine, never a participant in the protocols.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"artemisflash/internal/config"
	"artemisflash/internal/firmware"
	"artemisflash/internal/serialio"
	"artemisflash/internal/worker"
)

// Focus targets
const (
	focusFile = iota
	focusPort
	focusBaud
)

// Styles
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#E03C31")).
			Padding(0, 2).
			Bold(true).
			Width(80)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4B5563")).
			Padding(0, 2).
			Width(80)

	logViewStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#9CA3AF"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#60A5FA")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#10B981")).
		Bold(true)
)

type lineMsg string

type stepMsg worker.StepUpdate

type doneMsg struct{ err error }

// Model is the bubbletea model for the uploader.
type Model struct {
	cfg    *config.Config
	runner *worker.Runner

	fileInput textinput.Model
	ports     []serialio.PortInfo
	portIdx   int
	baudIdx   int
	focus     int

	log      viewport.Model
	lines    []string
	progress string
	status   string
	running  bool
	width    int
	height   int
}

// NewModel builds the initial model, preselecting the first CH340-family
// adapter the way the original uploader does.
func NewModel(cfg *config.Config, runner *worker.Runner) Model {
	fileInput := textinput.New()
	fileInput.Placeholder = "path/to/firmware.bin"
	fileInput.Focus()

	ports, _ := serialio.ListPorts()
	portIdx := serialio.PreferredPort(ports)
	if portIdx < 0 {
		portIdx = 0
	}

	baudIdx := 0
	for i, b := range firmware.SupportedBauds {
		if b == cfg.Baud {
			baudIdx = i
		}
	}

	log := viewport.New(78, 12)

	return Model{
		cfg:       cfg,
		runner:    runner,
		fileInput: fileInput,
		ports:     ports,
		portIdx:   portIdx,
		baudIdx:   baudIdx,
		log:       log,
		status:    "Ready",
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// waitForLine delivers the next progress line from the worker.
func waitForLine(r *worker.Runner) tea.Cmd {
	return func() tea.Msg {
		return lineMsg(<-r.Lines)
	}
}

func waitForStep(r *worker.Runner) tea.Cmd {
	return func() tea.Msg {
		return stepMsg(<-r.Steps)
	}
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	m.log.SetContent(strings.Join(m.lines, "\n"))
	m.log.GotoBottom()
}

func (m *Model) selectedPort() string {
	if len(m.ports) == 0 {
		return ""
	}
	return m.ports[m.portIdx].Name
}

func (m *Model) startJob(name string, run func(sink firmware.ProgressSink) error) tea.Cmd {
	if m.running {
		return nil
	}
	done := make(chan error, 1)
	ok := m.runner.Submit(worker.Job{
		Name: name,
		Run:  run,
		Done: func(err error) { done <- err },
	})
	if !ok {
		m.appendLine("A job is already running")
		return nil
	}
	m.running = true
	m.status = name + "..."
	return tea.Batch(
		waitForLine(m.runner),
		waitForStep(m.runner),
		func() tea.Msg { return doneMsg{err: <-done} },
	)
}

func (m *Model) startUpload() tea.Cmd {
	path := m.fileInput.Value()
	port := m.selectedPort()
	baud := firmware.SupportedBauds[m.baudIdx]
	if path == "" || port == "" {
		m.appendLine("Select a firmware file and a serial port first")
		return nil
	}
	return m.startJob("Uploading", func(sink firmware.ProgressSink) error {
		u := firmware.NewUploader(serialio.Open, sink)
		u.Opts = m.cfg.Flash
		return u.UploadFirmware(path, port, baud)
	})
}

func (m *Model) startBootloaderUpdate() tea.Cmd {
	path := m.fileInput.Value()
	port := m.selectedPort()
	baud := firmware.SupportedBauds[m.baudIdx]
	if path == "" || port == "" {
		m.appendLine("Select a bootloader binary and a serial port first")
		return nil
	}
	return m.startJob("Updating bootloader", func(sink firmware.ProgressSink) error {
		u := firmware.NewUploader(serialio.Open, sink)
		u.Opts = m.cfg.Flash
		return u.UpdateBootloader(path, port, baud)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.log.Width = msg.Width - 4
		if msg.Height > 14 {
			m.log.Height = msg.Height - 12
		}
		return m, nil

	case lineMsg:
		m.appendLine(string(msg))
		if m.running {
			return m, waitForLine(m.runner)
		}
		return m, nil

	case stepMsg:
		m.progress = renderProgress(worker.StepUpdate(msg))
		if m.running {
			return m, waitForStep(m.runner)
		}
		return m, nil

	case doneMsg:
		// Pick up any lines still buffered when the job finished.
		for {
			select {
			case line := <-m.runner.Lines:
				m.appendLine(line)
				continue
			default:
			}
			break
		}
		m.running = false
		m.progress = ""
		if msg.err != nil {
			m.status = errorStyle.Render(fmt.Sprintf("Failed: %v", msg.err))
		} else {
			m.status = okStyle.Render("Complete")
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.focus == focusFile && msg.String() == "q" {
				break // let the path input take the character
			}
			return m, tea.Quit
		case "tab":
			m.focus = (m.focus + 1) % 3
			if m.focus == focusFile {
				m.fileInput.Focus()
			} else {
				m.fileInput.Blur()
			}
			return m, nil
		case "up", "down":
			if m.focus == focusPort && len(m.ports) > 0 {
				m.portIdx = cycle(m.portIdx, len(m.ports), msg.String() == "down")
				return m, nil
			}
			if m.focus == focusBaud {
				m.baudIdx = cycle(m.baudIdx, len(firmware.SupportedBauds), msg.String() == "down")
				return m, nil
			}
		case "ctrl+r":
			ports, err := serialio.ListPorts()
			if err != nil {
				m.appendLine(fmt.Sprintf("Port refresh failed: %v", err))
				return m, nil
			}
			m.ports = ports
			if idx := serialio.PreferredPort(ports); idx >= 0 {
				m.portIdx = idx
			}
			m.appendLine("Ports refreshed")
			return m, nil
		case "ctrl+u":
			return m, m.startUpload()
		case "ctrl+b":
			return m, m.startBootloaderUpdate()
		}
	}

	var cmd tea.Cmd
	if m.focus == focusFile {
		m.fileInput, cmd = m.fileInput.Update(msg)
	} else {
		m.log, cmd = m.log.Update(msg)
	}
	return m, cmd
}

func cycle(idx, n int, forward bool) int {
	if forward {
		return (idx + 1) % n
	}
	return (idx + n - 1) % n
}

func renderProgress(s worker.StepUpdate) string {
	if s.Total == 0 {
		return ""
	}
	const width = 40
	filled := width * s.Current / s.Total
	bar := strings.Repeat("#", filled) + strings.Repeat("-", width-filled)
	return fmt.Sprintf("%s [%s] %d/%d", s.Phase, bar, s.Current, s.Total)
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("Artemis Firmware Uploader"))
	b.WriteString("\n\n")

	b.WriteString(m.field(focusFile, "Firmware File", m.fileInput.View()))
	b.WriteString(m.field(focusPort, "Serial Port", m.portLabel()))
	b.WriteString(m.field(focusBaud, "Baud Rate", fmt.Sprintf("%d", firmware.SupportedBauds[m.baudIdx])))

	b.WriteString("\n")
	b.WriteString(logViewStyle.Render(m.log.View()))
	b.WriteString("\n")
	if m.progress != "" {
		b.WriteString(m.progress)
		b.WriteString("\n")
	}
	b.WriteString(labelStyle.Render("Status: ") + m.status)
	b.WriteString("\n")
	b.WriteString(footerStyle.Render(
		"tab: focus · ↑/↓: select · ctrl+u: upload · ctrl+b: update bootloader · ctrl+r: refresh ports · q: quit"))
	return b.String()
}

func (m Model) field(target int, label, value string) string {
	marker := "  "
	rendered := value
	if m.focus == target {
		marker = selectedStyle.Render("> ")
		if target != focusFile {
			rendered = selectedStyle.Render(value)
		}
	}
	return fmt.Sprintf("%s%s %s\n", marker, labelStyle.Render(label+":"), rendered)
}

func (m Model) portLabel() string {
	if len(m.ports) == 0 {
		return "(no serial ports found)"
	}
	return m.ports[m.portIdx].Label()
}
