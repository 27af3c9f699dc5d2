// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Command blockalign packs a byte stream into offset-stable blocks
// (spec.md §1) and restores it again. See internal/encoder and
// internal/decoder for the implementation; this file is just the CLI
// surface spec.md §6.3 describes.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elliotnunn/blockalign/internal/decoder"
	"github.com/elliotnunn/blockalign/internal/encoder"
)

// version is reported by --version; blockalign has no release process
// of its own, so this tracks the wire format it emits.
const version = "BLOCKALIGN#1"

var errUnsupportedStreamMode = errors.New("restore mode cannot read from stdin: it must seek to the trailing block map")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var restore, verbose bool

	cmd := &cobra.Command{
		Use:           "blockalign [-v] [-r|--restore] <input> <output> [<hashfile>]",
		Short:         "Pack a byte stream into offset-stable blocks",
		Version:       version,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			input, output := cmdArgs[0], cmdArgs[1]
			var hashfile string
			if len(cmdArgs) == 3 {
				hashfile = cmdArgs[2]
			}

			if restore {
				if input == "-" {
					return errUnsupportedStreamMode
				}
				return decoder.Run(input, output)
			}

			_, err := encoder.Run(input, output, hashfile, verbose)
			return err
		},
	}
	cmd.SetArgs(args)
	cmd.Flags().BoolVarP(&restore, "restore", "r", false, "decode mode (hashfile is not used)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose statistics on stderr at end")

	err := cmd.Execute()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUnsupportedStreamMode):
		fmt.Fprintln(os.Stderr, err)
		return 2
	default:
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
}
