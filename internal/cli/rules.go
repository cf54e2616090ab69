package cli

import (
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"rule-backtester/internal/analysis/indicators"
	"rule-backtester/internal/models"
	"rule-backtester/internal/rules"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect rule expressions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check <expression>",
		Short: "Parse a rule and list the indicators it needs",
		Long: `Parse a rule expression, print its fully parenthesized form and the
indicator series it reads together with their warm-up length in bars.`,
		Example: `  backtester rules check "SMA(close,5) > SMA(close,20)"
  backtester rules check "RSI(14) < 30 and not (REF(close,1) > close)"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			report, err := checkRule(args[0])
			if err != nil {
				if output.IsJSON() {
					_ = output.JSON(map[string]interface{}{"valid": false, "error": err.Error()})
				} else {
					output.Error("%v", err)
				}
				return err
			}

			if output.IsJSON() {
				return output.JSON(report)
			}
			output.Success("Valid rule")
			output.Printf("  Parsed:  %s\n", report.Parsed)
			if len(report.Indicators) == 0 {
				output.Dim("  No indicators")
				return nil
			}
			t := NewTable(output, "INDICATOR", "WARM-UP BARS")
			for _, ind := range report.Indicators {
				t.AddRow(ind.Column, strconv.Itoa(ind.WarmUp))
			}
			t.Render()
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "functions",
		Short: "List the indicator functions and fields rules may use",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			fields := make([]string, 0, len(models.Fields))
			for _, f := range models.Fields {
				fields = append(fields, string(f))
			}
			if output.IsJSON() {
				return output.JSON(map[string][]string{"indicators": indicators.Names, "fields": fields})
			}
			output.Printf("Indicators: %s, REF\n", strings.Join(indicators.Names, ", "))
			output.Printf("Fields:     %s\n", strings.Join(fields, ", "))
			return nil
		},
	})

	return cmd
}

type ruleIndicator struct {
	Column string `json:"column"`
	WarmUp int    `json:"warm_up"`
}

type ruleReport struct {
	Valid      bool            `json:"valid"`
	Parsed     string          `json:"parsed"`
	Indicators []ruleIndicator `json:"indicators"`
}

func checkRule(expr string) (*ruleReport, error) {
	p, err := rules.NewCompiler().Compile(expr)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	report := &ruleReport{Valid: true, Parsed: p.Root.String()}
	for _, s := range p.Specs() {
		column := s.Indicator.Name() + "[" + string(s.Field) + "]"
		if seen[column] {
			continue
		}
		seen[column] = true
		report.Indicators = append(report.Indicators, ruleIndicator{Column: column, WarmUp: s.Indicator.Period()})
	}
	sort.Slice(report.Indicators, func(i, j int) bool {
		return report.Indicators[i].Column < report.Indicators[j].Column
	})
	return report, nil
}

func compileStrategy(s models.Strategy) (*rules.Set, error) {
	return rules.NewCompiler().CompileSet(s.Rules)
}
