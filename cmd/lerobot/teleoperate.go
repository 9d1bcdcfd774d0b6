package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/paperthrow/lerobot/pkg/robot"
	"github.com/paperthrow/lerobot/pkg/teleop"
)

type TeleoperateCommand struct {
	Config      string `long:"config" default:"lerobot.json" description:"Rig configuration file"`
	RobotPort   string `long:"robot.port" description:"Follower serial port (overrides config)"`
	TeleopPort  string `long:"teleop.port" description:"Leader serial port (overrides config)"`
	Hz          int    `long:"hz" default:"60" description:"Control loop frequency, 0 for unthrottled"`
	Mirror      bool   `long:"mirror" description:"Mirror mode: invert shoulder_pan and wrist_roll positions"`
	Display     bool   `long:"display" description:"Show a live chart of the leader positions"`
	DisplayData bool   `long:"display_data" description:"Log every observation and action"`
	NoCameras   bool   `long:"no-cameras" description:"Run without the follower cameras"`
	MetricsAddr string `long:"metrics-addr" description:"Serve Prometheus metrics and /health on this address"`
}

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

// Motor colors - distinct colors for each motor
var motorColors = map[robot.MotorName]string{
	robot.ShoulderPan:  "196", // red
	robot.ShoulderLift: "208", // orange
	robot.ElbowFlex:    "226", // yellow
	robot.WristFlex:    "46",  // green
	robot.WristRoll:    "51",  // cyan
	robot.Gripper:      "201", // magenta
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type teleopModel struct {
	ctrl       *teleop.Controller
	chart      *streamlinechart.Model
	width      int      // terminal width
	height     int      // terminal height
	logs       []string // last N log messages
	quitting   bool
	lastAction robot.Action // previous action, to detect movement
	loopTime   time.Duration
	iteration  uint64
}

func (m *teleopModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// hasMovement checks if any motor position has changed from the last state
func (m *teleopModel) hasMovement(action robot.Action) bool {
	if m.lastAction == nil {
		return true // first reading, consider it movement
	}
	for key, pos := range action {
		if last, ok := m.lastAction[key]; !ok || pos != last {
			return true
		}
	}
	return false
}

// Messages from the controller
type stateMsg teleop.State
type logMsg string

// stoppedMsg reports that the control loop ended on its own, e.g. a failed connect.
type stoppedMsg struct{ err error }

func waitForState(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-ctrl.States())
	}
}

func waitForLog(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-ctrl.Logs())
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *teleopModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20 // default size before we know terminal size
	}
	width = max(m.width-borderSize-2, 40)
	height = max(m.height-headerHeight-legendHeight-footerHeight-borderSize, 10)
	return width, height
}

func (m *teleopModel) resizeChart() {
	w, h := m.chartSize()
	m.chart.Resize(w, h)
}

func initialTeleopModel(ctrl *teleop.Controller) teleopModel {
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(-100, 100),
	)

	for _, name := range robot.AllMotors() {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(motorColors[name]))
		chart.SetDataSetStyles(string(name), runes.ThinLineStyle, style)
	}

	return teleopModel{
		ctrl:  ctrl,
		chart: &chart,
	}
}

func (m teleopModel) Init() tea.Cmd {
	return tea.Batch(
		waitForState(m.ctrl),
		waitForLog(m.ctrl),
	)
}

func (m teleopModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case stateMsg:
		state := teleop.State(msg)
		m.iteration = state.Iteration
		if state.Action != nil {
			m.loopTime = state.LoopTime
			// Only update chart if there's movement (freeze when idle)
			if m.hasMovement(state.Action) {
				for name, pos := range state.Action.Positions() {
					m.chart.PushDataSet(string(name), pos)
				}
				m.chart.DrawAll()
				m.lastAction = state.Action
			}
		}
		return m, waitForState(m.ctrl)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.ctrl)

	case stoppedMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m teleopModel) View() string {
	if m.quitting {
		return "Teleoperation stopped.\n"
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("LeRobot Teleoperate"))
	if m.ctrl.Hz() > 0 {
		sb.WriteString(fmt.Sprintf(" - %d Hz", m.ctrl.Hz()))
	} else {
		sb.WriteString(" - unthrottled")
	}
	sb.WriteString(statusStyle.Render(fmt.Sprintf("  step %d, loop %s", m.iteration, m.loopTime.Round(time.Microsecond))))
	if m.width > 0 {
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  [%dx%d]", m.width, m.height)))
	}
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	sb.WriteString(renderLegend())
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(m.width - 4).
		Foreground(lipgloss.Color("9")) // bright red

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render("Press 'q' to quit")
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func renderLegend() string {
	var items []string
	for _, name := range robot.AllMotors() {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(motorColors[name])).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+string(name))
	}
	return strings.Join(items, "  ")
}

func (c *TeleoperateCommand) loadConfig() (*robot.Config, error) {
	if _, err := os.Stat(c.Config); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no configuration found at %s, run 'lerobot setup' first", c.Config)
	}
	cfg, err := robot.LoadConfigFrom(c.Config)
	if err != nil {
		return nil, err
	}

	if c.RobotPort != "" {
		cfg.Follower.Port = c.RobotPort
	}
	if c.TeleopPort != "" {
		cfg.Leader.Port = c.TeleopPort
	}
	if c.NoCameras {
		cfg.Follower.Cameras = nil
	}

	if err := cfg.Leader.Validate(); err != nil {
		return nil, fmt.Errorf("leader arm: %w (run 'lerobot setup' first)", err)
	}
	if err := cfg.Follower.Validate(); err != nil {
		return nil, fmt.Errorf("follower arm: %w (run 'lerobot setup' first)", err)
	}
	return cfg, nil
}

func (c *TeleoperateCommand) Execute(args []string) error {
	log := logger()

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	log.Info().
		Str("config", c.Config).
		Str("leader", cfg.Leader.Port).
		Str("follower", cfg.Follower.Port).
		Int("cameras", len(cfg.Follower.Cameras)).
		Msg("Loaded configuration")

	var metrics *teleop.Metrics
	reg := prometheus.NewRegistry()
	if c.MetricsAddr != "" {
		metrics = teleop.NewMetrics(reg)
	}

	ctrl, err := teleop.NewController(robot.NewLeader(cfg.Leader), robot.NewFollower(cfg.Follower), teleop.Config{
		Hz:          c.Hz,
		Mirror:      c.Mirror,
		DisplayData: c.DisplayData,
		Metrics:     metrics,
	})
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if c.MetricsAddr != "" {
		srv := &http.Server{
			Addr:         c.MetricsAddr,
			Handler:      teleop.NewRouter(ctrl, reg),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", c.MetricsAddr).Msg("Metrics server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server error")
			}
		}()
		defer srv.Close()
	}

	if c.Display {
		return runWithChart(ctx, cancel, ctrl, log)
	}
	return runHeadless(ctx, ctrl, log, c.DisplayData)
}

func runWithChart(ctx context.Context, cancel context.CancelFunc, ctrl *teleop.Controller, log zerolog.Logger) error {
	p := tea.NewProgram(initialTeleopModel(ctrl), tea.WithAltScreen(), tea.WithContext(ctx))

	done := make(chan error, 1)
	go func() {
		err := ctrl.Start(ctx)
		done <- err
		if err != nil && !errors.Is(err, context.Canceled) {
			p.Send(stoppedMsg{err: err})
		}
	}()

	_, uiErr := p.Run()
	cancel()

	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if uiErr != nil && !errors.Is(uiErr, tea.ErrProgramKilled) {
		return fmt.Errorf("run display: %w", uiErr)
	}
	log.Info().Msg("Teleoperation stopped")
	return nil
}

func runHeadless(ctx context.Context, ctrl *teleop.Controller, log zerolog.Logger, displayData bool) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ctrl.Logs():
				log.Info().Msg(msg)
			}
		}
	}()
	if displayData {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case s := <-ctrl.States():
					logState(log, s)
				}
			}
		}()
	}

	err := ctrl.Start(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Teleoperation stopped")
	return nil
}

func logState(log zerolog.Logger, s teleop.State) {
	if s.Error != nil {
		log.Warn().Uint64("step", s.Iteration).Uint64("failures", s.Failures).Err(s.Error).Msg("Step failed")
		return
	}
	ev := log.Info().Uint64("step", s.Iteration).Dur("loop", s.LoopTime).Dict("action", actionDict(s.Action))
	if s.Observation != nil {
		names := make([]string, 0, len(s.Observation.Images))
		for name := range s.Observation.Images {
			names = append(names, name)
		}
		sort.Strings(names)
		ev = ev.Dict("state", actionDict(s.Observation.State)).Strs("images", names)
	}
	ev.Msg("Observation")
}

func actionDict(a robot.Action) *zerolog.Event {
	d := zerolog.Dict()
	for _, key := range a.Keys() {
		d = d.Float64(key, a[key])
	}
	return d
}
