package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	drumseq "github.com/cbegin/drumseq-go"
	"github.com/cbegin/drumseq-go/internal/engine"
	"github.com/cbegin/drumseq-go/internal/notify"
	"github.com/cbegin/drumseq-go/internal/song"
)

var (
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#555"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#fff"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#f80")).Bold(true)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#f44"))
)

const (
	refresh  = 50 * time.Millisecond
	meterLen = 24
)

type model struct {
	seq       *drumseq.Sequencer
	events    <-chan notify.Event
	snap      engine.Snapshot
	peaks     engine.Peaks
	hold      map[string]float32
	beat      bool
	metronome bool
	timeline  bool
	err       error
	quitting  bool
}

type tickMsg time.Time
type eventMsg notify.Event

func tick() tea.Cmd {
	return tea.Tick(refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func listen(events <-chan notify.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

func runTUI(ctx context.Context, seq *drumseq.Sequencer, events <-chan notify.Event) error {
	sg := seq.Song()
	m := model{seq: seq, events: events, hold: map[string]float32{}, timeline: sg != nil && sg.Timeline}
	_, err := tea.NewProgram(m, tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tick(), listen(m.events))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.key(msg.String())

	case tickMsg:
		m.snap = m.seq.Snapshot()
		m.peaks = m.seq.Peaks()
		m.decay()
		return m, tick()

	case eventMsg:
		if msg.Kind == notify.KindMetronome {
			m.beat = msg.Value == 1
		}
		return m, listen(m.events)
	}
	return m, nil
}

func (m model) key(k string) (tea.Model, tea.Cmd) {
	var err error
	switch k {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case " ":
		if m.snap.Playing {
			err = m.seq.Stop()
		} else {
			err = m.seq.Play()
		}
	case "home", "0":
		err = m.seq.Locate(0)
	case "h", "left":
		if m.snap.Column > 0 {
			err = m.seq.LocateToColumn(m.snap.Column - 1)
		}
	case "l", "right":
		err = m.seq.LocateToColumn(m.snap.Column + 1)
	case "+", "=":
		err = m.seq.SetBpm(m.snap.Bpm + 5)
	case "-", "_":
		err = m.seq.SetBpm(m.snap.Bpm - 5)
	case "b":
		_, err = m.seq.TapTempo()
	case "r":
		err = m.seq.SetLoop(!m.snap.Loop)
	case "m":
		m.metronome = !m.metronome
		m.seq.SetMetronome(m.metronome, 0.5)
	case "t":
		m.timeline = !m.timeline
		err = m.seq.SetTimelineEnabled(m.timeline)
	case "tab":
		mode := song.ModePattern
		if m.snap.Mode == song.ModePattern.String() {
			mode = song.ModeSong
		}
		err = m.seq.SetMode(mode)
	case "1", "2", "3", "4", "5", "6", "7", "8", "9":
		err = m.seq.ToggleNextPattern(int(k[0] - '1'))
	}
	m.err = err
	return m, nil
}

// decay keeps meter peaks visible for a few frames.
func (m *model) decay() {
	set := func(name string, v float32) {
		if h := m.hold[name] * 0.8; v < h {
			v = h
		}
		m.hold[name] = v
	}
	set("L", m.peaks.L)
	set("R", m.peaks.R)
	for _, b := range m.peaks.Buses {
		set(b.Name, max(b.L, b.R))
	}
}

func meter(v float32) string {
	n := int(v * meterLen)
	n = min(max(n, 0), meterLen)
	return activeStyle.Render(strings.Repeat("█", n)) + dimStyle.Render(strings.Repeat("·", meterLen-n))
}

func (m model) View() string {
	if m.quitting {
		return ""
	}
	s := m.snap
	state := "stop"
	if s.Playing {
		state = "play"
	}
	beat := dimStyle.Render("○")
	if s.Playing && m.beat {
		beat = accentStyle.Render("●")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s %s %7.2f bpm  col %3d  tick %6d  %7.2fs\n", beat, activeStyle.Render(state),
		s.Bpm, s.Column, s.Tick, s.ElapsedTime)
	flags := fmt.Sprintf("%s mode  loop %v  timeline %v  metronome %v  queued %d  xruns %d",
		s.Mode, s.Loop, m.timeline, m.metronome, s.Queued, s.Xruns)
	b.WriteString(statusStyle.Render(flags) + "\n\n")

	fmt.Fprintf(&b, "%-6s %s\n", "L", meter(m.hold["L"]))
	fmt.Fprintf(&b, "%-6s %s\n", "R", meter(m.hold["R"]))
	for _, bus := range m.peaks.Buses {
		fmt.Fprintf(&b, "%-6s %s\n", bus.Name, meter(m.hold[bus.Name]))
	}
	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render(m.err.Error()) + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("space:play/stop  h/l:column  0:start  +/-:tempo  b:tap  r:loop  m:click  t:timeline  tab:mode  1-9:pattern  q:quit") + "\n")
	return b.String()
}
