package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/laterolabs/circuitry"
)

var (
	topics         []string
	region         string
	totalEvents    int
	concurrency    int
	sendTimeout    time.Duration
	currentPattern WorkloadPattern
)

func init() {
	topicList := getEnv("SNS_TOPICS", "")
	if topicList == "" {
		fmt.Fprintf(os.Stderr, "ERROR: SNS_TOPICS environment variable is required (comma separated topic names)\n")
		os.Exit(1)
	}
	topics = strings.Split(topicList, ",")

	region = getEnv("AWS_REGION", "us-east-1")
	totalEvents = getEnvInt("LOAD_TEST_MESSAGES", 1000)
	concurrency = getEnvInt("LOAD_TEST_CONCURRENCY", 10)
	sendTimeout = time.Duration(getEnvInt("LOAD_TEST_TIMEOUT_SECONDS", 30)) * time.Second

	currentPattern = WorkloadPattern(getEnv("LOAD_TEST_PATTERN", "wave"))
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

type WorkloadPattern string

const (
	PatternSteady WorkloadPattern = "steady"
	PatternBurst  WorkloadPattern = "burst"
	PatternWave   WorkloadPattern = "wave"
	PatternDaily  WorkloadPattern = "daily"
)

// one simulated day compressed into the run, three hours per slot
var dailyIntensity = []float64{0.05, 0.45, 0.9, 1.0, 0.85, 0.6, 0.35, 0.1}

// patternIntensity maps run progress to publish intensity in [0, 1]. The
// delay between publishes, the phase label and the pattern visualization all
// derive from it.
func patternIntensity(pattern WorkloadPattern, progress float64) float64 {
	switch pattern {
	case PatternBurst:
		if progress < 0.3 || (progress > 0.5 && progress < 0.6) || (progress > 0.8 && progress < 0.9) {
			return 0.9
		}
		return 0.3

	case PatternWave:
		return (1 + math.Sin(progress*6*math.Pi)) / 2

	case PatternDaily:
		slot := int(progress * float64(len(dailyIntensity)))
		if slot >= len(dailyIntensity) {
			slot = len(dailyIntensity) - 1
		}
		return dailyIntensity[slot]

	default:
		return 0.5
	}
}

type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail"`
	EmittedAt time.Time `json:"emitted_at"`
}

type Result struct {
	Success  bool
	Duration time.Duration
	Index    int
	Error    string
	Topic    string
}

// UI Model
type model struct {
	spinner       spinner.Model
	progress      progress.Model
	totalEvents   int
	sentEvents    int
	successful    int
	failed        int
	perTopic      map[string]int
	recentLogs    []logEntry
	errors        []string
	latencies     []time.Duration
	minLatency    time.Duration
	maxLatency    time.Duration
	avgLatency    time.Duration
	totalLatency  time.Duration
	throughput    float64
	startTime     time.Time
	currentTime   time.Time
	isComplete    bool
	width         int
	height        int
	pattern       WorkloadPattern
	patternPhase  string
}

type logEntry struct {
	timestamp time.Time
	message   string
	topic     string
	success   bool
}

// pushLog prepends an activity entry, keeping the latest 15.
func (m *model) pushLog(entry logEntry) {
	m.recentLogs = append([]logEntry{entry}, m.recentLogs...)
	if len(m.recentLogs) > 15 {
		m.recentLogs = m.recentLogs[:15]
	}
}

type tickMsg time.Time
type resultMsg Result
type completeMsg struct{}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Background(lipgloss.Color("235")).
			Padding(0, 1).
			MarginBottom(1)

	configValueStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("117")).
				Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	topicStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("99"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("111"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2).
			MarginBottom(1)

	patternStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("213")).
			Bold(true)
)

func initialModel() model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		spinner:      s,
		progress:     progress.New(progress.WithDefaultGradient()),
		totalEvents:  totalEvents,
		perTopic:     make(map[string]int, len(topics)),
		recentLogs:   make([]logEntry, 0, 20),
		errors:       make([]string, 0),
		latencies:    make([]time.Duration, 0),
		startTime:    time.Now(),
		pattern:      currentPattern,
		patternPhase: "Initializing",
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		tickCmd(),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*100, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 4
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tickMsg:
		m.currentTime = time.Time(msg)
		if !m.isComplete {
			return m, tickCmd()
		}
		return m, nil

	case resultMsg:
		m.sentEvents++
		m.latencies = append(m.latencies, msg.Duration)
		m.totalLatency += msg.Duration
		m.avgLatency = m.totalLatency / time.Duration(len(m.latencies))

		if len(m.latencies) == 1 || msg.Duration < m.minLatency {
			m.minLatency = msg.Duration
		}
		if msg.Duration > m.maxLatency {
			m.maxLatency = msg.Duration
		}

		// calc throughput
		elapsed := time.Since(m.startTime).Seconds()
		if elapsed > 0 {
			m.throughput = float64(m.successful) / elapsed
		}

		// pattern phase
		progress := float64(m.sentEvents) / float64(m.totalEvents)
		m.patternPhase = phaseLabel(m.pattern, progress)

		if msg.Success {
			m.successful++
			m.perTopic[msg.Topic]++
			m.pushLog(logEntry{
				timestamp: time.Now(),
				message:   fmt.Sprintf("Event %d published (%v)", msg.Index, msg.Duration),
				topic:     msg.Topic,
				success:   true,
			})
		} else {
			m.failed++
			m.pushLog(logEntry{
				timestamp: time.Now(),
				message:   fmt.Sprintf("Event %d failed: %s", msg.Index, msg.Error),
				topic:     msg.Topic,
			})

			m.errors = append([]string{fmt.Sprintf("[%s] %s", msg.Topic, msg.Error)}, m.errors...)
			if len(m.errors) > 5 {
				m.errors = m.errors[:5]
			}
		}

		return m, nil

	case completeMsg:
		m.isComplete = true
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	default:
		return m, nil
	}

	return m, nil
}

func (m model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("🚀 circuitry Load Generator") + "\n")

	// main progress bar
	progressPercent := float64(m.sentEvents) / float64(m.totalEvents)
	progressBar := m.progress.ViewAs(progressPercent)
	progressText := fmt.Sprintf("Progress: %d/%d events (%.1f%%)",
		m.sentEvents, m.totalEvents, progressPercent*100)

	if !m.isComplete {
		progressText = m.spinner.View() + " " + progressText
	} else {
		progressText = "✓ " + progressText
	}

	b.WriteString(progressText + "\n")
	b.WriteString(progressBar + "\n\n")

	b.WriteString(m.renderConfigPanel() + "\n")

	columns := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderMetricsPanel(),
		m.renderStatsPanel(),
	)
	b.WriteString(columns + "\n")

	b.WriteString(m.renderPatternVisualization() + "\n")
	b.WriteString(m.renderLogPanel() + "\n")

	if len(m.errors) > 0 {
		b.WriteString(m.renderErrorPanel() + "\n")
	}

	if m.isComplete {
		b.WriteString(successStyle.Render("\n✓ Test Complete! Press 'q' to quit"))
	} else {
		b.WriteString(labelStyle.Render("\nPress 'q' to quit"))
	}

	return b.String()
}

func (m model) renderConfigPanel() string {
	topicList := strings.Join(topics, ", ")
	if len(topicList) > 60 {
		topicList = topicList[:57] + "..."
	}

	content := fmt.Sprintf(
		"%s\n"+
			"  %s %s\n"+
			"  %s %s\n"+
			"  %s %s\n"+
			"  %s %s\n"+
			"  %s %s",
		labelStyle.Render("Configuration:"),
		labelStyle.Render("Topics:"),
		configValueStyle.Render(topicList),
		labelStyle.Render("Region:"),
		configValueStyle.Render(region),
		labelStyle.Render("Workers:"),
		configValueStyle.Render(fmt.Sprintf("%d", concurrency)),
		labelStyle.Render("Pattern:"),
		configValueStyle.Render(string(currentPattern)),
		labelStyle.Render("Timeout:"),
		configValueStyle.Render(fmt.Sprintf("%ds", int(sendTimeout.Seconds()))),
	)

	return boxStyle.Width(84).Render(content)
}

func (m model) renderMetricsPanel() string {
	elapsed := m.currentTime.Sub(m.startTime)
	if elapsed == 0 {
		elapsed = time.Since(m.startTime)
	}

	var byTopic strings.Builder
	names := make([]string, 0, len(m.perTopic))
	for name := range m.perTopic {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		byTopic.WriteString(fmt.Sprintf("  %s %s\n",
			topicStyle.Render(name+":"),
			valueStyle.Render(fmt.Sprintf("%d", m.perTopic[name])),
		))
	}
	if byTopic.Len() == 0 {
		byTopic.WriteString(labelStyle.Render("  No events yet...") + "\n")
	}

	content := fmt.Sprintf(
		"%s %s\n"+
			"%s %s\n"+
			"%s %s\n"+
			"%s %s\n\n"+
			"%s\n%s\n"+
			"%s %s\n"+
			"%s %s msg/s",
		labelStyle.Render("Total Sent:"),
		valueStyle.Render(fmt.Sprintf("%d", m.sentEvents)),
		labelStyle.Render("Successful:"),
		successStyle.Render(fmt.Sprintf("%d", m.successful)),
		labelStyle.Render("Failed:"),
		errorStyle.Render(fmt.Sprintf("%d", m.failed)),
		labelStyle.Render("Success Rate:"),
		valueStyle.Render(fmt.Sprintf("%.1f%%", float64(m.successful)/float64(max(m.sentEvents, 1))*100)),
		labelStyle.Render("Per Topic:"),
		byTopic.String(),
		labelStyle.Render("Elapsed:"),
		valueStyle.Render(elapsed.Round(time.Second).String()),
		labelStyle.Render("Throughput:"),
		valueStyle.Render(fmt.Sprintf("%.2f", m.throughput)),
	)

	return boxStyle.Width(40).Render(content)
}

func (m model) renderStatsPanel() string {
	minStr, maxStr, avgStr, p95Str := "N/A", "N/A", "N/A", "N/A"
	if len(m.latencies) > 0 {
		minStr = m.minLatency.Round(time.Millisecond).String()
		maxStr = m.maxLatency.Round(time.Millisecond).String()
		avgStr = m.avgLatency.Round(time.Millisecond).String()
		p95Str = latencyPercentile(m.latencies, 0.95).Round(time.Millisecond).String()
	}

	content := fmt.Sprintf(
		"%s\n"+
			"%s %s\n"+
			"%s %s\n"+
			"%s %s\n"+
			"%s %s\n\n"+
			"%s\n%s\n\n"+
			"%s\n"+
			"%s %s\n"+
			"%s %d",
		labelStyle.Render("Latency Statistics:"),
		labelStyle.Render("  Min:"),
		valueStyle.Render(minStr),
		labelStyle.Render("  Max:"),
		valueStyle.Render(maxStr),
		labelStyle.Render("  Avg:"),
		valueStyle.Render(avgStr),
		labelStyle.Render("  P95:"),
		valueStyle.Render(p95Str),
		labelStyle.Render("Recent Latency Trend:"),
		m.renderLatencySparkline(),
		labelStyle.Render("Configuration:"),
		labelStyle.Render("  Concurrency:"),
		valueStyle.Render(fmt.Sprintf("%d workers", concurrency)),
		labelStyle.Render("  Total Events:"),
		totalEvents,
	)

	return boxStyle.Width(40).Render(content)
}

func latencyPercentile(latencies []time.Duration, q float64) time.Duration {
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (m model) renderLatencySparkline() string {
	if len(m.latencies) == 0 {
		return labelStyle.Render("  No data yet...")
	}

	// last 30 latencies
	start := 0
	if len(m.latencies) > 30 {
		start = len(m.latencies) - 30
	}
	recent := m.latencies[start:]

	// min/max for scaling
	lo := recent[0]
	hi := recent[0]
	for _, l := range recent {
		if l < lo {
			lo = l
		}
		if l > hi {
			hi = l
		}
	}

	bars := []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}
	var sparkline strings.Builder
	sparkline.WriteString("  ")

	for _, l := range recent {
		var normalized float64
		if hi > lo {
			normalized = float64(l-lo) / float64(hi-lo)
		} else {
			normalized = 0.5
		}
		idx := int(normalized * float64(len(bars)-1))
		if idx >= len(bars) {
			idx = len(bars) - 1
		}
		if idx < 0 {
			idx = 0
		}
		sparkline.WriteRune(bars[idx])
	}

	return valueStyle.Render(sparkline.String())
}

func (m model) renderPatternVisualization() string {
	progress := float64(m.sentEvents) / float64(m.totalEvents)
	visualization := generatePatternVisualization(m.pattern, progress, 60)

	content := fmt.Sprintf(
		"%s %s\n"+
			"%s %s\n\n"+
			"%s",
		labelStyle.Render("Workload Pattern:"),
		patternStyle.Render(string(m.pattern)),
		labelStyle.Render("Phase:"),
		valueStyle.Render(m.patternPhase),
		visualization,
	)

	return boxStyle.Width(84).Render(content)
}

func (m model) renderLogPanel() string {
	var logs strings.Builder
	logs.WriteString(labelStyle.Render("Recent Activity:") + "\n\n")

	if len(m.recentLogs) == 0 {
		logs.WriteString(labelStyle.Render("  No activity yet..."))
	} else {
		for i, entry := range m.recentLogs {
			if i >= 10 {
				break
			}

			var style lipgloss.Style
			var icon string
			if entry.success {
				style = successStyle
				icon = "✓"
			} else {
				style = errorStyle
				icon = "✗"
			}

			logs.WriteString(fmt.Sprintf("  %s %s %s %s\n",
				labelStyle.Render(entry.timestamp.Format("15:04:05.000")),
				topicStyle.Render(entry.topic),
				style.Render(icon),
				entry.message,
			))
		}
	}

	return boxStyle.Width(84).Render(logs.String())
}

func (m model) renderErrorPanel() string {
	var errorList strings.Builder
	errorList.WriteString(errorStyle.Render("⚠ Recent Errors:") + "\n\n")

	for i, err := range m.errors {
		if i >= 5 {
			break
		}
		errorList.WriteString(fmt.Sprintf("  %s %s\n", errorStyle.Render("•"), err))
	}

	return boxStyle.Width(84).Render(errorList.String())
}

func phaseLabel(pattern WorkloadPattern, progress float64) string {
	switch intensity := patternIntensity(pattern, progress); {
	case pattern == PatternSteady:
		return "▶️ Steady - Constant Rate"
	case intensity >= 0.75:
		return "🔥 Peak - High Volume"
	case intensity <= 0.25:
		return "📉 Valley - Low Volume"
	default:
		return "📊 Normal - Moderate Flow"
	}
}

func generatePatternVisualization(pattern WorkloadPattern, currentProgress float64, width int) string {
	var viz strings.Builder

	bars := []rune{' ', '▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

	// gen visualization bars
	for i := 0; i < width; i++ {
		progress := float64(i) / float64(width)

		idx := int(patternIntensity(pattern, progress) * float64(len(bars)-1))
		if idx >= len(bars) {
			idx = len(bars) - 1
		}
		if idx < 0 {
			idx = 0
		}

		// highlight current position
		if math.Abs(progress-currentProgress) < 0.02 {
			viz.WriteString(successStyle.Render(string(bars[idx])))
		} else {
			viz.WriteString(labelStyle.Render(string(bars[idx])))
		}
	}

	return viz.String()
}

// publishDelay spaces out publishes so the run follows the workload pattern.
// High intensity means short gaps.
func publishDelay(pattern WorkloadPattern, index int, total int, rng *rand.Rand) time.Duration {
	progress := float64(index) / float64(total)
	base := 5 + int((1-patternIntensity(pattern, progress))*90)
	return time.Duration(base+rng.Intn(10)) * time.Millisecond
}

var eventKinds = []string{
	"order.created", "order.shipped", "order.cancelled",
	"user.signup", "user.login", "payment.captured",
	"inventory.low", "report.ready",
}

var eventDetails = []string{
	"checkout completed", "package handed to carrier", "customer requested refund",
	"new account created", "session started", "charge settled",
	"stock below threshold", "weekly summary generated",
}

func makeEvent(rng *rand.Rand) Event {
	return Event{
		ID:        xid.New().String(),
		Kind:      eventKinds[rng.Intn(len(eventKinds))],
		Actor:     fmt.Sprintf("user%d", 1000+rng.Intn(9000)),
		Detail:    eventDetails[rng.Intn(len(eventDetails))],
		EmittedAt: time.Now().UTC(),
	}
}

func publishEvent(ctx context.Context, pub *circuitry.Publisher, rng *rand.Rand, index int) Result {
	topic := topics[rng.Intn(len(topics))]

	body, err := json.Marshal(makeEvent(rng))
	if err != nil {
		return Result{
			Index: index,
			Topic: topic,
			Error: fmt.Sprintf("JSON marshal error: %v", err),
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	startTime := time.Now()
	_, err = pub.Publish(sendCtx, topic, body)
	duration := time.Since(startTime)

	if err != nil {
		return Result{
			Duration: duration,
			Index:    index,
			Topic:    topic,
			Error:    err.Error(),
		}
	}

	return Result{
		Success:  true,
		Duration: duration,
		Index:    index,
		Topic:    topic,
	}
}

func main() {
	// signal handling graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// aws
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Unable to load SDK config: %v\n", err)
		os.Exit(1)
	}

	// publisher logs would fight the TUI for the terminal
	nop := zerolog.Nop()
	pub, err := circuitry.NewPublisher(sns.NewFromConfig(cfg), &nop)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Unable to create publisher: %v\n", err)
		os.Exit(1)
	}

	p := tea.NewProgram(initialModel(), tea.WithAltScreen())

	go func() {
		jobs := make(chan int, totalEvents)
		results := make(chan Result, totalEvents)

		var wg sync.WaitGroup
		for w := 0; w < concurrency; w++ {
			wg.Add(1)
			go func(workerID int) {
				defer wg.Done()
				rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

				for {
					select {
					case index, ok := <-jobs:
						if !ok {
							return
						}

						time.Sleep(publishDelay(currentPattern, index, totalEvents, rng))
						results <- publishEvent(ctx, pub, rng, index)
					case <-ctx.Done():
						return
					}
				}
			}(w)
		}

		// jobs
		go func() {
			for i := 1; i <= totalEvents; i++ {
				select {
				case jobs <- i:
				case <-ctx.Done():
					close(jobs)
					return
				}
			}
			close(jobs)
		}()

		// results
		go func() {
			wg.Wait()
			close(results)
		}()

		for result := range results {
			p.Send(resultMsg(result))
		}
		p.Send(completeMsg{})
	}()

	go func() {
		<-sigChan
		cancel()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		os.Exit(1)
	}
}
