package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tinyweights/tinyweights/infer/store"
)

var (
	packManifest string // Path to the pack manifest YAML
	packOut      string // Output container path
)

// packCmd builds a model container from a manifest of raw layer files
var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Pack raw layer files into a model container",
	Run: func(cmd *cobra.Command, args []string) {
		manifest, err := GetPackManifest(packManifest)
		if err != nil {
			logrus.Fatalf("unable to read pack manifest: %v", err)
		}
		if len(manifest.Layers) == 0 {
			logrus.Fatalf("manifest %s lists no layers", packManifest)
		}

		w := store.NewWriter(manifest.Checksums)
		for _, layer := range manifest.Layers {
			name := layer.DType
			if name == "" {
				name = "f32"
			}
			dtype, err := store.ParseDType(name)
			if err != nil {
				logrus.Fatalf("layer %s: %v", layer.File, err)
			}
			data, err := os.ReadFile(layer.File)
			if err != nil {
				logrus.Fatalf("unable to read layer payload: %v", err)
			}
			id, err := w.AddLayer(dtype, layer.Shape, data)
			if err != nil {
				logrus.Fatalf("layer %s: %v", layer.File, err)
			}
			logrus.Debugf("added layer %d from %s (%d bytes)", id, layer.File, len(data))
		}

		if err := w.WriteFile(packOut); err != nil {
			logrus.Fatalf("unable to write container: %v", err)
		}
		logrus.Infof("packed %d layers into %s", w.LayerCount(), packOut)
	},
}

func init() {
	packCmd.Flags().StringVar(&packManifest, "manifest", "", "Pack manifest YAML (required)")
	packCmd.Flags().StringVar(&packOut, "out", "model.tmai", "Output container path")
	packCmd.MarkFlagRequired("manifest")

	rootCmd.AddCommand(packCmd)
}
