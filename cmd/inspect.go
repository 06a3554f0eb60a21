package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tinyweights/tinyweights/infer/store"
)

// inspectCmd dumps a container's header and layer index
var inspectCmd = &cobra.Command{
	Use:   "inspect <container>",
	Short: "Print the header and layer index of a model container",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := store.Open(args[0], store.Config{ReadOnly: true})
		if err != nil {
			logrus.Fatalf("unable to open container: %v", err)
		}
		defer st.Close()

		hdr := st.Header()
		fmt.Printf("container:    %s\n", args[0])
		fmt.Printf("version:      %d.%d\n", hdr.VersionMajor, hdr.VersionMinor)
		fmt.Printf("layers:       %d\n", hdr.LayerCount)
		fmt.Printf("index offset: %d\n", hdr.IndexOffset)
		fmt.Printf("blob offset:  %d\n", hdr.BlobOffset)
		fmt.Printf("checksums:    %v\n", hdr.Flags&store.FlagChecksums != 0)
		fmt.Printf("total bytes:  %d\n", st.TotalBytes())
		fmt.Println()

		fmt.Printf("%-6s %-12s %-12s %-6s %-24s %s\n", "layer", "offset", "size", "dtype", "shape", "crc32")
		for i := 0; i < st.LayerCount(); i++ {
			info, err := st.LayerInfo(i)
			if err != nil {
				logrus.Fatalf("unable to read layer %d: %v", i, err)
			}
			crc := "-"
			if hdr.Flags&store.FlagChecksums != 0 {
				crc = fmt.Sprintf("%08x", info.CRC32)
			}
			fmt.Printf("%-6d %-12d %-12d %-6s %-24v %s\n",
				i, info.Offset, info.Size, info.DType, info.Shape, crc)
		}
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
