package main

import (
	"fmt"
	"image"
	"os"

	"tryonapi/services"

	"github.com/spf13/cobra"
)

type compositeOptions struct {
	person     string
	garment    string
	output     string
	preset     string
	widthRatio float64
	topRatio   float64
	whiten     bool
	cleanup    string
}

func newRootCmd() *cobra.Command {
	opts := &compositeOptions{}
	cmd := &cobra.Command{
		Use:   "composite",
		Short: "Overlay a garment photo onto a person photo",
		Long: `Runs the local try-on compositor on image files, without storage or network.

Examples:
  composite --person person.jpg --garment shirt.png -o result.png
  composite --person person.jpg --garment shirt.jpg --preset shoulder --whiten`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runComposite(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.person, "person", "", "person image path")
	cmd.Flags().StringVar(&opts.garment, "garment", "", "garment image path")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "result.png", "output PNG path")
	cmd.Flags().StringVar(&opts.preset, "preset", "full", "geometry preset (full, fallback, shoulder)")
	cmd.Flags().Float64Var(&opts.widthRatio, "width-ratio", 0, "garment width as a fraction of the person width (overrides preset)")
	cmd.Flags().Float64Var(&opts.topRatio, "top-ratio", 0, "garment top offset as a fraction of the person height (overrides preset)")
	cmd.Flags().BoolVar(&opts.whiten, "whiten", false, "clean near-white garment background first")
	cmd.Flags().StringVar(&opts.cleanup, "cleanup-mode", "feathered", "background cleanup mode (feathered, smooth)")
	_ = cmd.MarkFlagRequired("person")
	_ = cmd.MarkFlagRequired("garment")
	return cmd
}

func runComposite(cmd *cobra.Command, opts *compositeOptions) error {
	if err := services.ValidateGeometryRatios(opts.widthRatio, opts.topRatio); err != nil {
		return err
	}
	geometry, err := services.GeometryPreset(opts.preset)
	if err != nil {
		return err
	}
	if opts.widthRatio > 0 {
		geometry.WidthRatio = opts.widthRatio
	}
	if opts.topRatio > 0 {
		geometry.TopRatio = opts.topRatio
	}

	person, err := readImage(opts.person)
	if err != nil {
		return err
	}
	garment, err := readImage(opts.garment)
	if err != nil {
		return err
	}
	if opts.whiten {
		cleaned, err := services.CleanGarmentBackground(garment, opts.cleanup)
		if err != nil {
			return err
		}
		garment = cleaned
	}

	result, err := geometry.Composite(person, garment)
	if err != nil {
		return err
	}
	encoded, err := services.EncodePNG(result)
	if err != nil {
		return err
	}
	if err := os.WriteFile(opts.output, encoded, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", opts.output, err)
	}

	placement := geometry.GarmentPlacement(person.Bounds(), garment.Bounds())
	fmt.Fprintf(cmd.OutOrStdout(), "garment placed at %v, saved %s\n", placement, opts.output)
	return nil
}

func readImage(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	img, err := services.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
