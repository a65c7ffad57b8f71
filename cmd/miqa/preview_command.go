package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"miqa/pkg/visualization"
	"miqa/pkg/volume"
)

func newPreviewCommand(ctx *commandContext) *cobra.Command {
	var (
		outputDir string
		plane     string
		channel   int
	)

	cmd := &cobra.Command{
		Use:   "preview IMAGE",
		Short: "Save slice previews of an image as JPEG files",
		Long: "Save the middle axial, coronal and sagittal slices of an image, or with\n" +
			"--plane every slice along one plane.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := ctx.setup()
			if err != nil {
				return err
			}

			// previews show stored intensities, windowed per image
			loader := &volume.FileLoader{}
			v, err := loader.Load(args[0])
			if err != nil {
				return err
			}
			viewer, err := visualization.NewViewer(v, channel)
			if err != nil {
				return err
			}
			logger.Info("loaded image", "path", args[0], "shape", v.Shape.String())

			var files []string
			if plane == "" {
				prefix := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(args[0]), ".gz"), ".nii")
				files, err = viewer.SavePreview(outputDir, prefix)
			} else {
				var p visualization.Plane
				if p, err = visualization.ParsePlane(plane); err != nil {
					return err
				}
				files, err = viewer.SaveSliceSequence(p, filepath.Join(outputDir, string(p)))
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, f := range files {
				fmt.Fprintln(out, f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "out", "o", "previews", "Directory for the JPEG files")
	cmd.Flags().StringVar(&plane, "plane", "", "Save every slice along axial, coronal or sagittal")
	cmd.Flags().IntVar(&channel, "channel", 0, "Image channel to render")
	return cmd
}
