package main

import(
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/abworrall/ccd-reduce/pkg/aperture"
	"github.com/abworrall/ccd-reduce/pkg/frame"
	"github.com/abworrall/ccd-reduce/pkg/reduce"
	"github.com/abworrall/ccd-reduce/pkg/reducedb"
)

func runCmd() *cobra.Command {
	var(
		fConfig  string
		fAper    string
		fLog     string
		fDB      string
		fFirst   int
		fQuiet   bool
	)

	cmd := &cobra.Command{
		Use:   "run <framedir>",
		Short: "reduce a run of calibrated frame TIFFs into a photometry log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := reduce.LoadConfig(fConfig)
			if err != nil {
				return err
			}
			if fFirst > 0 {
				cfg.First = fFirst
				if err := cfg.Finalize(); err != nil {
					return err
				}
			}

			aps, err := aperture.Load(fAper)
			if err != nil {
				return fmt.Errorf("%w: %v", reduce.ErrConfiguration, err)
			}

			src, err := frame.NewDirSource(args[0])
			if err != nil {
				return err
			}

			logw, resumed, err := reduce.NewLogWriter(fLog)
			if err != nil {
				return err
			}
			defer logw.Close()

			runID := uuid.New().String()
			if resumed {
				log.Printf("appending to existing log %s from frame %d\n", fLog, cfg.First)
			} else if err := logw.WriteHeader(runID, cfg, aps); err != nil {
				return err
			}

			r := reduce.New(cfg, aps, logw)

			if fDB != "" {
				store, err := reducedb.Open(fDB, runID, cfg)
				if err != nil {
					return err
				}
				defer store.Close()
				r.AddMonitor(store)
			}

			if !fQuiet {
				r.AddMonitor(newTermMonitor())
			}

			// Ctrl-C aborts cleanly between frames; the log stays valid
			// and the run resumes later with --first.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			return r.Run(ctx, src)
		},
	}

	cmd.Flags().StringVarP(&fConfig, "config", "c", "reduce.yaml", "reduction configuration file")
	cmd.Flags().StringVarP(&fAper, "apertures", "a", "apertures.json", "aperture definition artifact")
	cmd.Flags().StringVarP(&fLog, "log", "o", "reduce.log", "output photometry log (appended)")
	cmd.Flags().StringVar(&fDB, "db", "", "also mirror rows into this SQLite database")
	cmd.Flags().IntVar(&fFirst, "first", 0, "frame to (re)start at, overriding the config")
	cmd.Flags().BoolVarP(&fQuiet, "quiet", "q", false, "no per-frame terminal output")

	return cmd
}
