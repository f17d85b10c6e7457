package main

import(
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ccd-reduce",
		Short: "aperture photometry over a stream of calibrated CCD frames",
		Long: `ccd-reduce tracks photometric apertures across a run of calibrated
CCD exposures and extracts a flux time series, pushing through clouds,
cosmic rays and telescope drift without letting one bad frame corrupt
the rest of the run.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(gencfgCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
