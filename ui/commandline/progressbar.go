// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/kernelkit/tuning"
	"github.com/gomlx/kernelkit/ui/notebooks"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version, if the
// terminal supports the graphical symbols it needs.
var ProgressbarStyle = progressbar.ThemeASCII

// statsRows rendered per update, used to back the cursor up between redraws.
const statsRows = 4

// tuningDisplay renders one progress bar per autotuning pass: a bar over the
// candidate configurations plus a small table with the best measurement so
// far.
type tuningDisplay struct {
	mu sync.Mutex

	inNotebook bool
	suffix     string

	// lipgloss-based rich display for the command-line.
	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool

	bar          *progressbar.ProgressBar
	measured     int
	disqualified int
	best         time.Duration
	bestConfig   string
}

// Write implements io.Writer, appending the current suffix to whatever the
// enclosed progress bar prints. Bar and suffix must go out in one write,
// otherwise Jupyter notebooks may display them on different lines.
func (d *tuningDisplay) Write(data []byte) (n int, err error) {
	n, err = os.Stdout.Write(data)
	if err != nil {
		return n, err
	}
	_, err = os.Stdout.Write([]byte(d.suffix))
	if err != nil {
		return 0, err
	}
	return
}

// AttachProgressBar registers a command-line progress display on the tuner:
// each autotuning pass (one per new problem shape) renders a progress bar
// over the candidate configurations and a table with the pass's state. It
// returns the tuner for chaining.
//
// The display renders synchronously from the tuner's observer callback; with
// each candidate taking many benchmark iterations the terminal is never the
// bottleneck.
func AttachProgressBar(tuner *tuning.Tuner) *tuning.Tuner {
	d := &tuningDisplay{inNotebook: notebooks.IsNotebook()}
	if !d.inNotebook {
		d.termenv = termenv.NewOutput(os.Stdout)
		d.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
		d.statsTable = lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			})
	}
	return tuner.WithObserver(d.observe)
}

func (d *tuningDisplay) observe(event tuning.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch event.Phase {
	case tuning.PhaseStart:
		d.startPass(event)
	case tuning.PhaseCandidate:
		d.onCandidate(event)
	case tuning.PhaseChosen:
		d.endPass(event)
	}
}

func (d *tuningDisplay) startPass(event tuning.Event) {
	d.measured, d.disqualified = 0, 0
	d.best, d.bestConfig = 0, ""
	d.suffix = ""
	d.isFirstOutput = true
	d.bar = progressbar.NewOptions(event.NumCandidates,
		progressbar.OptionSetDescription(fmt.Sprintf("      [bold]%s[reset]", event.Kernel)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("configs"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(d), // Required to work with Jupyter notebooks.
	)
}

func (d *tuningDisplay) onCandidate(event tuning.Event) {
	if d.bar == nil {
		return
	}
	d.measured++
	if event.Err != nil {
		d.disqualified++
	} else if d.bestConfig == "" || event.Latency < d.best {
		d.best = event.Latency
		d.bestConfig = event.Config.String()
	}
	d.render(event, false)
}

func (d *tuningDisplay) endPass(event tuning.Event) {
	if d.bar == nil {
		return
	}
	d.best = event.Latency
	d.bestConfig = event.Config.String()
	d.render(event, true)
	d.bar = nil
	fmt.Println()
}

func (d *tuningDisplay) render(event tuning.Event, done bool) {
	label, best := "Best", "none yet"
	if done {
		label = "Chosen"
	}
	if d.bestConfig != "" {
		best = fmt.Sprintf("%s in %s", d.bestConfig, FormatDuration(d.best))
	}

	if d.inNotebook {
		// A single self-rewriting line: the bar plus a compact suffix,
		// written together in [tuningDisplay.Write].
		d.suffix = fmt.Sprintf(" [shape=%s] [%s]        ", event.Key, best)
		d.advance(done)
		return
	}

	d.statsTable.Data(lgtable.NewStringData())
	d.statsTable.Row("Kernel", event.Kernel)
	d.statsTable.Row("Problem shape", event.Key)
	d.statsTable.Row("Candidates", fmt.Sprintf("%d of %d (%d disqualified)",
		d.measured, event.NumCandidates, d.disqualified))
	d.statsTable.Row(label, best)

	// Suffix to erase spurious characters from previous prints. Erasing to
	// the end of the screen instead causes flickering on some terminals.
	d.suffix = "\033[J"

	d.termenv.HideCursor()
	if !d.isFirstOutput {
		// Rows plus the table border, the bar line and the closing newline.
		d.termenv.CursorPrevLine(statsRows + 3)
	}
	d.isFirstOutput = false
	fmt.Println(d.statsStyle.Render(d.statsTable.String()))
	d.advance(done) // Prints the progress bar line.
	fmt.Println()
	d.termenv.ShowCursor()
}

func (d *tuningDisplay) advance(done bool) {
	if done {
		_ = d.bar.Finish()
	} else {
		_ = d.bar.Add(1)
	}
}
