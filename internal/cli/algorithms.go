package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"medimg-accel/internal/algorithms"
	"medimg-accel/internal/imageio"
)

func newAlgorithmsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "algorithms",
		Short: "List the host reference algorithms and their parameters",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			byCategory := algorithms.GetAlgorithmsByCategory()
			categories := make([]string, 0, len(byCategory))
			for c := range byCategory {
				categories = append(categories, c)
			}
			sort.Strings(categories)
			for _, category := range categories {
				names := byCategory[category]
				fmt.Fprintf(w, "%s:\n", category)
				for _, name := range names {
					alg, _ := algorithms.Get(name)
					fmt.Fprintf(w, "  %-10s %s\n", name, alg.GetDescription())
					for _, p := range alg.GetParameterInfo() {
						fmt.Fprintf(w, "    %-14s %-7s default %v\n", p.Name, p.Type, p.Default)
					}
				}
			}
			return nil
		},
	}
}

// parseParams turns key=value pairs into algorithm parameters; numbers
// become float64
func parseParams(pairs []string) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: parameter %q is not key=value", ErrArgument, kv)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			params[k] = f
		} else {
			params[k] = v
		}
	}
	return params, nil
}

func newApplyCommand() *cobra.Command {
	var color bool
	cmd := &cobra.Command{
		Use:   "apply <algorithm> <input> <output> [key=value...]",
		Short: "Run one host reference algorithm on an image",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 3 {
				return fmt.Errorf("%w: apply needs an algorithm, an input and an output", ErrArgument)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !algorithms.IsValidAlgorithm(name) {
				return fmt.Errorf("%w: unknown algorithm %q (have %v)", ErrArgument, name, algorithms.Names())
			}
			params, err := parseParams(args[3:])
			if err != nil {
				return err
			}

			g := &globalFlags{}
			if f := cmd.Flag("config"); f != nil {
				g.cfgFile = f.Value.String()
			}
			s, err := openSession(cmd, g)
			if err != nil {
				return err
			}
			defer s.close()

			mode := imageio.ReadGray
			if color {
				mode = imageio.ReadColor
			}
			img, err := s.codec.Load(args[1], mode)
			if err != nil {
				return err
			}
			out, err := algorithms.Apply(name, img, params)
			if err != nil {
				return err
			}
			return s.codec.Save(args[2], out)
		},
	}
	cmd.Flags().BoolVar(&color, "color", false, "read the input in colour")
	return cmd
}
