package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"medimg-accel/internal/algorithms"
	"medimg-accel/internal/host"
	"medimg-accel/internal/imageio"
	"medimg-accel/internal/stream"
)

// NewCannyCommand builds the edge-detection command:
//
//	canny <input>
func NewCannyCommand() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "canny <input>",
		Short: "Detect edges in one channel of a colour image on the accelerator",
		Long: `canny reads <input> in colour, runs gradient, non-maximum suppression and
hysteresis on the configured channel on the selected device, and writes
gray_img.jpg and hls_out.jpg to the output directory.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCanny(cmd, g, args[0])
		},
	}
	addGlobalFlags(cmd, g)
	cmd.Flags().String("norm", "l1", "gradient magnitude: l1 or l2")
	return cmd
}

func runCanny(cmd *cobra.Command, g *globalFlags, input string) error {
	s, err := openSession(cmd, g)
	if err != nil {
		return err
	}
	defer s.close()

	img, err := s.codec.Load(input, imageio.ReadColor)
	if err != nil {
		return &ExitError{Code: -1, Err: fmt.Errorf("failed to load the image %s: %w", input, err)}
	}

	build := s.orch.Options().Build.Edge
	gray, err := s.extract(img, build.Channel)
	if err != nil {
		return err
	}
	if _, err := s.out.Write(imageio.ArtifactGray, gray); err != nil {
		return err
	}

	params := s.cfg.EdgeParams()
	res, err := s.orch.Run(cmd.Context(), host.Request{Variant: stream.VariantEdge, Image: img, Params: params})
	if err != nil {
		return err
	}
	printProfile(cmd.OutOrStdout(), res, s.cfg.Device.Profiling)

	if _, err := s.out.Write(imageio.ArtifactOutput, res.Output); err != nil {
		return err
	}
	if s.cfg.Output.Verify {
		ref, err := algorithms.Reference(img, nil, build, params)
		if err != nil {
			return err
		}
		return verify(s.log, ref, res.Output)
	}
	return nil
}
