package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/smazurov/blockparty/internal/process"
	"github.com/smazurov/blockparty/internal/streams"
	"github.com/spf13/cobra"
)

// HelperStatus is the resolution result of one helper command.
type HelperStatus struct {
	Role    string
	Command string
	Path    string
	Err     error
}

// ResolveHelpers looks up the executable of each helper command on PATH.
func ResolveHelpers(capture, transport string) []HelperStatus {
	statuses := []HelperStatus{
		{Role: "capture", Command: capture},
		{Role: "transport", Command: transport},
	}
	for i := range statuses {
		s := &statuses[i]
		name, err := process.Executable(s.Command)
		if err != nil {
			s.Err = err
			continue
		}
		s.Path, s.Err = exec.LookPath(name)
	}
	return statuses
}

// CreateCheckHelpersCmd creates the check-helpers command.
func CreateCheckHelpersCmd() *cobra.Command {
	var capture, transport string

	cmd := &cobra.Command{
		Use:   "check-helpers",
		Short: "Check that the helper binaries can be found",
		Long:  `Resolves the capture and transport helper commands on PATH and exits with status 1 when one is missing.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			missing := false
			for _, s := range ResolveHelpers(capture, transport) {
				if s.Err != nil {
					missing = true
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-20s missing: %v\n", s.Role, s.Command, s.Err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-20s %s\n", s.Role, s.Command, s.Path)
			}
			if missing {
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVar(&capture, "capture", streams.DefaultCaptureHelper, "Capture helper command")
	cmd.Flags().StringVar(&transport, "transport", streams.DefaultTransportHelper, "Transport helper command")
	return cmd
}
