package cli

import (
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"medimg-accel/internal/algorithms"
	"medimg-accel/internal/core"
	"medimg-accel/internal/host"
	"medimg-accel/internal/imageio"
	"medimg-accel/internal/metrics"
	"medimg-accel/internal/stream"
)

// NewMedimgCommand builds the threshold/morphology command:
//
//	medimg <input> [<threshold> <maxval>]
func NewMedimgCommand() *cobra.Command {
	g := &globalFlags{}
	var otsu, identity bool

	cmd := &cobra.Command{
		Use:   "medimg <input> [<threshold> <maxval>]",
		Short: "Threshold and morphologically open an image on the accelerator",
		Long: `medimg reads <input> as grayscale, thresholds it, erodes and dilates it
with the configured structuring element on the selected device and writes
bw_img.jpg, thresh_img.jpg, erode_img.jpg and hls_out.jpg to the output
directory. The kernel time is printed in milliseconds.`,
		Args: exactArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMedimg(cmd, g, args, otsu, identity)
		},
	}
	addGlobalFlags(cmd, g)

	f := cmd.Flags()
	f.BoolVar(&otsu, "otsu", false, "pick the threshold with Otsu's method")
	f.BoolVar(&identity, "identity", false, "round-trip the image through the device unchanged")
	f.Int("iterations", 1, "erode and dilate iterations")
	f.String("shape", "rect", "structuring element: rect, cross, ellipse")
	f.String("policy", "binary", "threshold policy: binary, binary_inv, trunc, tozero, tozero_inv")
	f.String("border", "constant", "border handling: constant or replicate")

	cmd.AddCommand(newAlgorithmsCommand(), newApplyCommand())
	return cmd
}

func parseByte(name, s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not in [0, 255]", ErrArgument, name, s)
	}
	return uint8(v), nil
}

func runMedimg(cmd *cobra.Command, g *globalFlags, args []string, otsu, identity bool) error {
	s, err := openSession(cmd, g)
	if err != nil {
		return err
	}
	defer s.close()

	params := s.cfg.MorphologyParams()
	if len(args) == 3 {
		if params.Thresh, err = parseByte("threshold", args[1]); err != nil {
			return err
		}
		if params.Maxval, err = parseByte("maxval", args[2]); err != nil {
			return err
		}
	}

	img, err := s.codec.Load(args[0], imageio.ReadGray)
	if err != nil {
		// nothing to process is not a failure
		return &ExitError{Code: 0, Err: fmt.Errorf("cannot open image at %s: %w", args[0], err)}
	}
	if _, err := s.out.Write(imageio.ArtifactInput, img); err != nil {
		return err
	}

	if otsu {
		params.Thresh = algorithms.OtsuThreshold(img)
		s.log.WithField("threshold", params.Thresh).Info("otsu threshold selected")
	}

	if identity {
		res, err := s.orch.Run(cmd.Context(), host.Request{Variant: stream.VariantIdentity, Image: img})
		if err != nil {
			return err
		}
		printProfile(cmd.OutOrStdout(), res, s.cfg.Device.Profiling)
		_, err = s.out.Write(imageio.ArtifactOutput, res.Output)
		return err
	}

	shape, err := s.cfg.Shape()
	if err != nil {
		return err
	}
	build := s.orch.Options().Build.Morphology
	element, err := s.generator.Generate(shape, build.FilterSize)
	if err != nil {
		return err
	}

	ref, err := s.reference(img, element, build, params)
	if err != nil {
		return err
	}
	if _, err := s.out.Write(imageio.ArtifactThreshold, ref.Thresholded); err != nil {
		return err
	}
	if _, err := s.out.Write(imageio.ArtifactErode, ref.Eroded); err != nil {
		return err
	}

	res, err := s.orch.Run(cmd.Context(), host.Request{
		Variant: stream.VariantMorphology,
		Image:   img,
		Mask:    element,
		Params:  params,
	})
	if err != nil {
		return err
	}
	printProfile(cmd.OutOrStdout(), res, s.cfg.Device.Profiling)

	if _, err := s.out.Write(imageio.ArtifactOutput, res.Output); err != nil {
		return err
	}
	if s.cfg.Output.Verify {
		return verify(s.log, ref.Output, res.Output)
	}
	return nil
}

// verify fails unless the device output equals the host reference
func verify(log logrus.FieldLogger, reference, output *core.Image) error {
	report, err := metrics.NewEvaluator().Verify(reference, output)
	if err != nil {
		return err
	}
	fields := logrus.Fields{"mismatched": report.Mismatched, "samples": report.Samples}
	for name, v := range report.Metrics {
		fields[name] = v
	}
	if !report.Exact {
		log.WithFields(fields).Error("verification failed")
		return fmt.Errorf("%w: %d of %d samples", ErrVerify, report.Mismatched, report.Samples)
	}
	log.WithFields(fields).Info("verification passed")
	return nil
}
