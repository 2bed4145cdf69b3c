package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawgate/clawgate/internal/system/logger"
)

var logsTail int

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent gateway log output",
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 100, "Number of lines to show")
}

func runLogs(cmd *cobra.Command, args []string) error {
	dir := logger.DefaultConfig().Dir
	files, err := logger.ListLogFiles(dir)
	if err != nil {
		return fmt.Errorf("list logs in %s: %w", dir, err)
	}
	if len(files) == 0 {
		fmt.Println("no log files found; has the gateway run yet?")
		return nil
	}

	lines, err := logger.TailFile(files[0].Path, logsTail)
	if err != nil {
		return fmt.Errorf("read %s: %w", files[0].Path, err)
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}
