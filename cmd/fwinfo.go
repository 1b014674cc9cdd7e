package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/smazurov/cxcap/internal/firmware"
)

// CreateFWInfoCmd creates the fwinfo command.
func CreateFWInfoCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "fwinfo <file>",
		Short: "Check an encoder firmware image",
		Long:  `Validates the size of a cx23416 firmware image and prints its SHA-256 checksum and header words.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			info, err := firmware.InspectFile(args[0])
			if info.Size == 0 && err != nil {
				return err
			}
			if printErr := printFWInfo(c.OutOrStdout(), args[0], info, asJSON); printErr != nil {
				return printErr
			}
			if err != nil {
				c.SilenceUsage = true
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func printFWInfo(w io.Writer, path string, info firmware.Info, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintf(w, "File:    %s\n", path)
	fmt.Fprintf(w, "Size:    %d bytes (want %d)\n", info.Size, firmware.Size)
	fmt.Fprintf(w, "SHA-256: %s\n", info.SHA256)
	fmt.Fprintf(w, "Header:  0x%08x 0x%08x 0x%08x 0x%08x\n", info.Header[0], info.Header[1], info.Header[2], info.Header[3])
	if info.Valid {
		fmt.Fprintln(w, "Status:  valid")
		return nil
	}
	fmt.Fprintln(w, "Status:  invalid")
	for _, p := range info.Problems {
		fmt.Fprintf(w, "  - %s\n", p)
	}
	return nil
}
