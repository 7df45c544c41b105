// Command asm compiles a vm32 mnemonic source file into a raw byte
// image runnable by cmd/emu.
package main

import (
	"os"

	"github.com/bassosimone/vm32/internal/asmtext"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	logger := logrus.StandardLogger()

	var output string

	root := &cobra.Command{
		Use:   "asm <source-file>",
		Short: "Assemble a vm32 mnemonic source file into a byte image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filename := args[0]
			src, err := os.ReadFile(filename)
			if err != nil {
				return err
			}

			image, err := asmtext.Assemble(filename, string(src))
			if err != nil {
				return err
			}

			out := output
			if out == "" {
				out = filename + ".bin"
			}
			if err := os.WriteFile(out, image, 0o644); err != nil {
				return err
			}
			logger.Infof("asm: wrote %d bytes to %s", len(image), out)
			return nil
		},
	}

	root.Flags().StringVarP(&output, "output", "o", "", "output file (default: <source>.bin)")

	if err := root.Execute(); err != nil {
		logger.Fatal(err)
	}
}
