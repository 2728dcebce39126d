package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xoelrdgz/sshguard/internal/adapters/output"
	"github.com/xoelrdgz/sshguard/internal/domain"
	"github.com/xoelrdgz/sshguard/pkg/sanitize"
)

var (
	colorBorder  = lipgloss.Color("#1a3a1a")
	colorPrimary = lipgloss.Color("#00ff41")
	colorAmber   = lipgloss.Color("#ffb000")
	colorText    = lipgloss.Color("#e5e5e5")

	headerStyle    = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true).Padding(0, 1)
	cellStyle      = lipgloss.NewStyle().Foreground(colorText).Padding(0, 1)
	simulatedStyle = cellStyle.Foreground(colorAmber)
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show addresses blocked by previous runs",
	Long: `Print the block journal written by "sshguard run" when
output.journal.path is set. Newest blocks first.

Examples:
  sshguard history --journal /var/lib/sshguard/blocks.db
  sshguard history --limit 50`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().String("journal", "", "block journal file (default: output.journal.path)")
	historyCmd.Flags().Int("limit", 20, "maximum number of entries, 0 for all")
}

func runHistory(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("journal")
	if path == "" {
		path = viper.GetString("output.journal.path")
	}
	if path == "" {
		return fmt.Errorf("no block journal configured: set output.journal.path or pass --journal")
	}
	limit, _ := cmd.Flags().GetInt("limit")

	records, err := output.ReadBlockJournal(path, limit)
	if err != nil {
		return fmt.Errorf("failed to read block journal: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No blocks recorded.")
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), renderHistory(records))
	return nil
}

func renderHistory(records []domain.BlockRecord) string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		mode := "enforced"
		if rec.Simulated {
			mode = "simulated"
		}
		rows = append(rows, []string{
			rec.AppliedAt.Local().Format(time.DateTime),
			sanitize.ForTerminal(rec.Decision.AddrString()),
			strconv.Itoa(rec.Decision.Count),
			rec.Decision.Window.String(),
			sanitize.ForTerminal(rec.Backend),
			mode,
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		Headers("APPLIED", "ADDRESS", "FAILURES", "WINDOW", "BACKEND", "MODE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row >= 0 && row < len(records) && records[row].Simulated {
				return simulatedStyle
			}
			return cellStyle
		})

	return t.Render()
}
