package main

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"

	"calfeed/internal/catalog"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration",
	Long: `Resolve every configured calendar and group and report definitions
that would fail at request time, then look up both external tools.
Exits non-zero if anything is wrong.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	cat := catalog.New(cfg)

	problems := 0
	for _, id := range cat.Targets() {
		rt, err := cat.Resolve(id)
		if err != nil {
			problems++
			fmt.Fprintf(out, "FAIL  %-24s %v\n", id, err)
			continue
		}
		kind := "calendar"
		if rt.Group != nil {
			kind = "group"
		}
		fmt.Fprintf(out, "ok    %-24s %s, %d source(s), ttl %s\n", id, kind, len(rt.Sources), rt.CacheTTL)
	}

	for _, tool := range []struct{ name, path string }{
		{"extractor", cfg.ExtractorPath},
		{"formatter", cfg.FormatterPath},
	} {
		p, err := exec.LookPath(tool.path)
		if err != nil {
			problems++
			fmt.Fprintf(out, "FAIL  %-24s %v\n", tool.name, err)
			continue
		}
		fmt.Fprintf(out, "ok    %-24s %s\n", tool.name, p)
	}

	if problems > 0 {
		return fmt.Errorf("%d problem(s) found", problems)
	}
	return nil
}
