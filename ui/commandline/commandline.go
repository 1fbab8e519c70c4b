// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains command-line UI tools for kernelkit: a live
// progress display for autotuning passes, pretty-printed reports of tuned
// configurations and parsers for constants and candidate configurations
// given as flags.
package commandline

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/kernelkit/kernels"
	"github.com/gomlx/kernelkit/tuning"
	"golang.org/x/exp/maps"
)

var (
	titleStyle        = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	headerRowStyle    = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).PaddingLeft(1).PaddingRight(1)
	evenRowStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).PaddingLeft(1).PaddingRight(1)
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// NewPlainTable returns a bordered lipgloss table with the package's
// alternating row styles, optionally treating the first row as a header.
func NewPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// FormatConstants renders a constants map as sorted "name=value" pairs,
// omitting the reserved launch-resource hints (reports give those their own
// columns).
func FormatConstants(constants kernels.Constants) string {
	names := maps.Keys(constants)
	slices.Sort(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		switch name {
		case kernels.ConstNumWarps, kernels.ConstNumStages, kernels.ConstNumCTAs,
			kernels.ConstEnableFPFusion:
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", name, constants[name]))
	}
	return strings.Join(parts, ", ")
}

// ReportTuned pretty-prints every configuration the tuner currently knows,
// one row per tuned problem shape.
func ReportTuned(tuner *tuning.Tuner) {
	known := tuner.Known()
	fmt.Println(titleStyle.Render(fmt.Sprintf("Tuned configurations for %q", tuner.KernelName())))
	if len(known) == 0 {
		fmt.Println("  (none)")
		return
	}
	table := NewPlainTable(true)
	table.Row("Problem Shape", "Constants", "Warps", "Stages", "CTAs", "FP fusion")
	keys := maps.Keys(known)
	slices.Sort(keys)
	for _, key := range keys {
		cfg := known[key]
		table.Row(key, FormatConstants(cfg.Constants),
			fmt.Sprintf("%d", cfg.NumWarps()),
			fmt.Sprintf("%d", cfg.NumStages()),
			fmt.Sprintf("%d", cfg.NumCTAs()),
			fmt.Sprintf("%v", cfg.FPFusion))
	}
	fmt.Println(table.Render())
}
