package main

import (
	"fmt"

	"github.com/sdforge/sdforge/internal/layout"
	"github.com/spf13/cobra"
)

func newInspectCommand(_ *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <image>",
		Short: "Print the partition layout of an image file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			table, err := layout.Inspect(args[0])
			if err != nil {
				return err
			}

			for _, part := range table.Partitions {
				fmt.Printf("partition %d: type 0x%02x, start %d, size %d\n",
					part.Index, byte(part.Type), part.Start, part.Size)
			}

			if err := table.Validate(); err != nil {
				return fmt.Errorf("image is not buildable: %w", err)
			}

			fmt.Println("layout ok: boot + root partitions found")
			return nil
		},
	}
}
