package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"rule-backtester/pkg/utils"
)

var ansiPattern = regexp.MustCompile("\x1b\\[[0-9;]*m")

// Output writes command results either as JSON or as (optionally colored) text.
type Output struct {
	writer       io.Writer
	jsonMode     bool
	colorEnabled bool
}

// NewOutput creates an Output bound to the command's stdout and --json flag.
// Colors are used only when writing to a terminal.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &Output{
		writer:       cmd.OutOrStdout(),
		jsonMode:     jsonMode,
		colorEnabled: !jsonMode && cmd.OutOrStdout() == os.Stdout && isTerminal(),
	}
}

func isTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// IsJSON returns true if JSON output mode is enabled.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON outputs data as JSON.
func (o *Output) JSON(data interface{}) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Println prints a message with newline.
func (o *Output) Println(args ...interface{}) {
	fmt.Fprintln(o.writer, args...)
}

// Printf prints a formatted message.
func (o *Output) Printf(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

// Success prints a success message in green.
func (o *Output) Success(format string, args ...interface{}) {
	o.styled(format, args, color.FgGreen)
}

// Error prints an error message in red.
func (o *Output) Error(format string, args ...interface{}) {
	o.styled(format, args, color.FgRed)
}

// Warning prints a warning message in yellow.
func (o *Output) Warning(format string, args ...interface{}) {
	o.styled(format, args, color.FgYellow)
}

// Info prints an info message in cyan.
func (o *Output) Info(format string, args ...interface{}) {
	o.styled(format, args, color.FgCyan)
}

// Bold prints a bold message.
func (o *Output) Bold(format string, args ...interface{}) {
	o.styled(format, args, color.Bold)
}

// Dim prints a dimmed message.
func (o *Output) Dim(format string, args ...interface{}) {
	o.styled(format, args, color.Faint)
}

func (o *Output) styled(format string, args []interface{}, attrs ...color.Attribute) {
	fmt.Fprintln(o.writer, o.Colorize(fmt.Sprintf(format, args...), attrs...))
}

// Colorize wraps text in the given attributes when colors are enabled.
func (o *Output) Colorize(text string, attrs ...color.Attribute) string {
	if !o.colorEnabled || len(attrs) == 0 {
		return text
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(text)
}

// PnLColor picks green for gains, red for losses.
func (o *Output) PnLColor(pnl float64) color.Attribute {
	switch {
	case pnl > 0:
		return color.FgGreen
	case pnl < 0:
		return color.FgRed
	}
	return color.FgWhite
}

// FormatPnL formats P&L with color.
func (o *Output) FormatPnL(pnl float64) string {
	return o.Colorize(utils.FormatPnL(pnl), o.PnLColor(pnl))
}

// FormatPercent formats a percentage with color.
func (o *Output) FormatPercent(pct float64) string {
	return o.Colorize(utils.FormatPercent(pct), o.PnLColor(pct))
}

// Table represents a simple table for output.
type Table struct {
	headers []string
	rows    [][]string
	output  *Output
}

// NewTable creates a new table.
func NewTable(output *Output, headers ...string) *Table {
	return &Table{
		headers: headers,
		rows:    make([][]string, 0),
		output:  output,
	}
}

// AddRow adds a row to the table.
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render renders the table.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(stripANSI(h))
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				if n := len(stripANSI(cell)); n > widths[i] {
					widths[i] = n
				}
			}
		}
	}

	t.printRow(t.headers, widths, true)
	t.printSeparator(widths)
	for _, row := range t.rows {
		t.printRow(row, widths, false)
	}
}

func (t *Table) printRow(cells []string, widths []int, isHeader bool) {
	var parts []string
	for i, cell := range cells {
		if i >= len(widths) {
			break
		}
		padding := widths[i] - len(stripANSI(cell))
		if padding < 0 {
			padding = 0
		}
		padded := cell + strings.Repeat(" ", padding)
		if isHeader {
			padded = t.output.Colorize(padded, color.Bold)
		}
		parts = append(parts, padded)
	}
	t.output.Println(strings.TrimRight(strings.Join(parts, "  "), " "))
}

func (t *Table) printSeparator(widths []int) {
	var parts []string
	for _, w := range widths {
		parts = append(parts, strings.Repeat("-", w))
	}
	t.output.Println(t.output.Colorize(strings.Join(parts, "  "), color.Faint))
}

// stripANSI removes color escape sequences so column widths ignore them.
func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
