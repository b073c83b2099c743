// verify проверяет пакет доказательств без доступа к сервису:
//
//	verify <packet-dir-or-zip> [--golden <path>] [--record] [--json]
//
// Код выхода 0 при PASS, 1 при любом расхождении, 2 при ошибке запуска.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/xela07ax/trustgate/internal/packet"
	"github.com/xela07ax/trustgate/internal/verifier"
)

const (
	exitPass  = 0
	exitFail  = 1
	exitError = 2
)

type options struct {
	golden    string
	useGolden bool
	record    bool
	asJSON    bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	code := exitPass
	opts := options{}

	cmd := &cobra.Command{
		Use:           "verify <packet-dir-or-zip>",
		Short:         "Verify a proof packet offline",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.useGolden = cmd.Flags().Changed("golden") || opts.record
			c, err := verifyPacket(args[0], opts, stdout)
			code = c
			return err
		},
	}
	cmd.Flags().StringVar(&opts.golden, "golden", verifier.DefaultGoldenPath, "golden PDF to compare the packet report against")
	cmd.Flags().BoolVar(&opts.record, "record", false, "record the packet PDF as the new golden")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the report as JSON")
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return exitError
	}
	return code
}

func verifyPacket(location string, opts options, out io.Writer) (int, error) {
	files, err := packet.Open(location)
	if err != nil {
		return exitError, err
	}

	report := verifier.Verify(files)
	if opts.useGolden {
		if err := report.CheckGolden(files, opts.golden, opts.record); err != nil {
			return exitError, err
		}
		if opts.record && report.OK() {
			fmt.Fprintf(out, "Recorded golden: %s\n", opts.golden)
		}
	}

	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return exitError, err
		}
	} else if report.OK() {
		fmt.Fprintln(out, "PASS: Proof packet verified.")
	} else {
		for _, f := range report.Failures {
			fmt.Fprintln(out, f.String())
		}
	}

	if !report.OK() {
		return exitFail, nil
	}
	return exitPass, nil
}
