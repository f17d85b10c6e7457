package main

import(
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/abworrall/ccd-reduce/pkg/reduce"
)

func gencfgCmd() *cobra.Command {
	var fOut string

	cmd := &cobra.Command{
		Use:   "gencfg",
		Short: "write a default reduction config to refine by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := reduce.NewConfig()

			out := fmt.Sprintf("# ccd-reduce configuration; see the field comments in\n"+
				"# pkg/reduce/config.go for what each option does.\n%s", cfg.AsYaml())

			if fOut == "-" {
				fmt.Print(out)
				return nil
			}
			if err := os.WriteFile(fOut, []byte(out), 0644); err != nil {
				return fmt.Errorf("write %s: %w", fOut, err)
			}
			fmt.Printf("Reduction config written to %s\n", fOut)
			return nil
		},
	}

	cmd.Flags().StringVarP(&fOut, "out", "o", "reduce.yaml", "where to write the config ('-' for stdout)")

	return cmd
}
