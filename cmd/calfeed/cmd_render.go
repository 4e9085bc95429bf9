package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"calfeed/internal/model"
)

var (
	renderCalendar string
	renderHours    int
	renderDebug    string
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Produce one feed and write it to stdout",
	Long: `Run a single request through the same path the HTTP server uses:
cache lookup, regeneration, validation, cache write and stale fallback.

Examples:
  calfeed render --calendar work --hours 168
  calfeed render --calendar all --hours 24 --debug "$CALFEED_DEBUG_KEY"
`,
	RunE: runRender,
}

func init() {
	renderCmd.Flags().StringVar(&renderCalendar, "calendar", "", "Calendar or group id")
	renderCmd.Flags().IntVar(&renderHours, "hours", 24, "Window in hours starting now")
	renderCmd.Flags().StringVar(&renderDebug, "debug", "", "Debug key; reveals the failure detail on stale copies")
	_ = renderCmd.MarkFlagRequired("calendar")
	rootCmd.AddCommand(renderCmd)
}

func runRender(cmd *cobra.Command, _ []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	svc, _ := buildService(nil)

	res, err := svc.Serve(cmd.Context(), model.FeedRequest{Target: renderCalendar, Hours: renderHours}, renderDebug)
	if err != nil {
		return err
	}
	if _, err := cmd.OutOrStdout().Write(res.Body); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s, %d bytes\n", renderCalendar, res.Status, len(res.Body))
	return nil
}
