package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/cxcap/internal/hw"
	"github.com/smazurov/cxcap/internal/logging"
	"github.com/smazurov/cxcap/internal/mailbox"
)

// CreateProbeCmd creates the probe command.
func CreateProbeCmd() *cobra.Command {
	var barPath string
	var ping bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Inspect a real card through its PCI BAR",
		Long: `Maps the BAR of a cx23416 card, reads the interrupt registers, searches the encoder memory ` +
			`for the mailbox signature and optionally pings the running firmware. Nothing is uploaded or reset.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			logger := logging.GetLogger("device").With("bar", barPath)
			out := c.OutOrStdout()

			bar, err := hw.MapBAR(barPath)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := bar.Close(); closeErr != nil {
					logger.Warn("Failed to unmap BAR", "error", closeErr)
				}
			}()

			regs := hw.New(bar.Registers(), hw.DefaultTiming())
			fmt.Fprintf(out, "IRQ status: 0x%08x\n", regs.IRQStatus())
			fmt.Fprintf(out, "IRQ mask:   0x%08x\n", regs.IRQMask())
			fmt.Fprintf(out, "DMA status: 0x%08x\n", regs.DMAStatus())

			region, err := mailbox.Locate(bar.Encoder())
			if err != nil {
				fmt.Fprintln(out, "Mailbox:    not found, firmware is not running")
				return err
			}
			fmt.Fprintf(out, "Mailbox:    0x%08x\n", region.Base())
			if !ping {
				return nil
			}

			ctx, cancel := context.WithTimeout(c.Context(), timeout)
			defer cancel()

			client := mailbox.NewClient(mailbox.DefaultOptions("probe"))
			client.Attach(region)
			if _, err := client.Call(ctx, mailbox.CmdPing); err != nil {
				fmt.Fprintln(out, "Ping:       no answer")
				return err
			}
			fmt.Fprintln(out, "Ping:       ok")
			res, err := client.Call(ctx, mailbox.CmdGetVersion)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Firmware:   0x%08x\n", res.Data[0])
			logger.Debug("Probe finished", "mailbox", region.Base(), "version", res.Data[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&barPath, "bar", "", "PCI resource file, e.g. /sys/bus/pci/devices/0000:03:00.0/resource0")
	cmd.Flags().BoolVar(&ping, "ping", true, "Ping the firmware and read its version")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Deadline for the firmware commands")
	_ = cmd.MarkFlagRequired("bar")
	return cmd
}
