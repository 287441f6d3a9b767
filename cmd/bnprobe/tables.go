// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// maxValuesShown in the table for per-feature statistics.
const maxValuesShown = 6

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
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

// render the report as a title and a table.
func (r *probeReport) render() string {
	table := newPlainTable()
	table.Row("device", r.deviceName)
	table.Row("description", r.description)
	table.Row("executor", r.executor)
	table.Row("x", r.cfg.shape.String())
	table.Row("axis", r.cfg.axis.String())
	table.Row("mode", normalizationMode(r.cfg.shape.Rank(), len(r.cfg.axis)))
	table.Row("parameters dtype", r.paramDType.String())
	table.Row("eps / decay", fmt.Sprintf("%g / %g", r.cfg.eps, r.cfg.decay))
	table.Row("steps", humanize.Comma(int64(r.cfg.steps)))
	table.Row("forward", formatDuration(r.forwardTime, r.cfg.steps))
	if r.cfg.backward {
		table.Row("backward", formatDuration(r.backwardTime, r.cfg.steps))
		table.Row("|grad gamma|", fmt.Sprintf("%.4g", r.gradGammaNorm))
	}
	table.Row("output mean / stddev", fmt.Sprintf("%.4g / %.4g", r.outMean, r.outStdDev))
	table.Row("last batch mean", formatValues(r.batchMean))
	table.Row("running mean", formatValues(r.runningMean))
	table.Row("running variance", formatValues(r.runningVar))
	table.Row("memory copies", fmt.Sprintf("%s (%s)", humanize.Comma(r.numCopies),
		humanize.Bytes(uint64(r.bytesCopied))))
	return titleStyle.Render("Batch Normalization Probe") + "\n" + table.Render()
}

// normalizationMode returns the name of the mode used for an input of the given rank reduced over numAxes axes.
func normalizationMode(rank, numAxes int) string {
	switch {
	case numAxes == 1:
		return "per-activation"
	case numAxes == rank-1 && rank >= 4:
		return "spatial"
	}
	return "unsupported"
}

func formatDuration(total time.Duration, steps int) string {
	return fmt.Sprintf("%s (%s/step)", total.Round(time.Microsecond), (total / time.Duration(steps)).Round(time.Microsecond))
}

func formatValues(values []float64) string {
	parts := make([]string, 0, maxValuesShown+1)
	for ii, v := range values {
		if ii == maxValuesShown {
			parts = append(parts, fmt.Sprintf("... (%d values)", len(values)))
			break
		}
		parts = append(parts, fmt.Sprintf("%.4g", v))
	}
	return strings.Join(parts, ", ")
}
