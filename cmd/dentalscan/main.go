// Command dentalscan turns dental CT volumes into surface meshes and aligns
// surfaces with each other.
package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"dentalscan/pkg/registration"
)

const (
	generalFlagConfig     = "config"
	generalFlagVerbose    = "verbose"
	generalFlagNoProgress = "no-progress"

	segmentFlagInput        = "input"
	segmentFlagOutput       = "output"
	segmentFlagSegment      = "segment"
	segmentFlagThreshold    = "threshold"
	segmentFlagClosed       = "closed-boundary"
	segmentFlagIntermediary = "save-intermediary"

	alignFlagBase      = "base"
	alignFlagMoving    = "moving"
	alignFlagLandmarks = "landmarks"
	alignFlagOutput    = "output"
	alignFlagRadius    = "radius"
	alignFlagPasses    = "passes"

	icpFlagMatchCentroids = "match-centroids"

	slicesFlagInput  = "input"
	slicesFlagOutput = "output"
	slicesFlagAxis   = "axis"
	slicesFlagFlip   = "flip"

	configFlagPath = "path"
)

func main() {
	pterm.Success.Prefix = pterm.Prefix{Text: "✓", Style: pterm.NewStyle(pterm.FgGreen)}
	pterm.Error.Prefix = pterm.Prefix{Text: "✗", Style: pterm.NewStyle(pterm.FgRed)}

	app := &cli.App{
		Name:  "dentalscan",
		Usage: "extract, clean and register dental CT surfaces",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    generalFlagConfig,
				Aliases: []string{"c"},
				Value:   "dentalscan.yaml",
				Usage:   "configuration file; defaults are used when it does not exist",
			},
			&cli.BoolFlag{
				Name:  generalFlagVerbose,
				Usage: "enable debug logging",
			},
			&cli.BoolFlag{
				Name:  generalFlagNoProgress,
				Usage: "log progress instead of drawing a spinner",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "segment",
				Usage:     "extract segment surfaces from a CT volume",
				UsageText: "dentalscan segment --input scan.nrrd --output scan.stl [--segment teeth]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     segmentFlagInput,
						Aliases:  []string{"i"},
						Required: true,
						Usage:    "NRRD volume or directory of numbered slice images",
					},
					&cli.StringFlag{
						Name:    segmentFlagOutput,
						Aliases: []string{"o"},
						Value:   "scan.stl",
						Usage:   "output STL; the segment name is appended before the extension",
					},
					&cli.StringSliceFlag{
						Name:  segmentFlagSegment,
						Usage: "only extract the named configured segments",
					},
					&cli.Float64Flag{
						Name:  segmentFlagThreshold,
						Usage: "extract a single custom segment at this Hounsfield value",
					},
					&cli.BoolFlag{
						Name:  segmentFlagClosed,
						Usage: "cap surfaces cut by the volume border",
					},
					&cli.BoolFlag{
						Name:  segmentFlagIntermediary,
						Usage: "save the windowed volume and raw surface of every segment",
					},
				},
				Action: segmentAction,
			},
			{
				Name:      "align",
				Usage:     "align a moving surface onto a base surface from picked landmarks",
				UsageText: "dentalscan align --base base.stl --moving scan.stl --landmarks points.yaml",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: alignFlagBase, Required: true, Usage: "fixed STL surface"},
					&cli.StringFlag{Name: alignFlagMoving, Required: true, Usage: "STL surface to move"},
					&cli.StringFlag{
						Name:     alignFlagLandmarks,
						Required: true,
						Usage:    "YAML file with matching base and moving point lists",
					},
					&cli.StringFlag{
						Name:    alignFlagOutput,
						Aliases: []string{"o"},
						Value:   "aligned.stl",
						Usage:   "where the moved surface is written",
					},
					&cli.Float64Flag{
						Name:  alignFlagRadius,
						Value: -1,
						Usage: "restrict ICP to vertices within this distance of the landmarks; 0 uses all",
					},
					&cli.IntFlag{Name: alignFlagPasses, Usage: "number of ICP passes"},
				},
				Action: alignAction,
			},
			{
				Name:      "icp",
				Usage:     "refine the alignment of two roughly aligned surfaces",
				UsageText: "dentalscan icp --base base.stl --moving scan.stl",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: alignFlagBase, Required: true, Usage: "fixed STL surface"},
					&cli.StringFlag{Name: alignFlagMoving, Required: true, Usage: "STL surface to move"},
					&cli.StringFlag{
						Name:    alignFlagOutput,
						Aliases: []string{"o"},
						Value:   "aligned.stl",
						Usage:   "where the moved surface is written",
					},
					&cli.BoolFlag{
						Name:  icpFlagMatchCentroids,
						Usage: "start by moving the surface centroid onto the base centroid",
					},
					&cli.IntFlag{Name: alignFlagPasses, Usage: "number of ICP passes"},
				},
				Action: icpAction,
			},
			{
				Name:      "slices",
				Usage:     "export windowed slices of a CT volume as PNG images",
				UsageText: "dentalscan slices --input scan.nrrd --output slices --axis z",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     slicesFlagInput,
						Aliases:  []string{"i"},
						Required: true,
						Usage:    "NRRD volume or directory of numbered slice images",
					},
					&cli.StringFlag{
						Name:    slicesFlagOutput,
						Aliases: []string{"o"},
						Value:   "slices",
						Usage:   "output directory",
					},
					&cli.StringFlag{
						Name:  slicesFlagAxis,
						Value: "z",
						Usage: "x, y, z or all; all writes one subdirectory per axis",
					},
					&cli.BoolFlag{
						Name:  slicesFlagFlip,
						Usage: "override output.flipSlices from the configuration",
					},
				},
				Action: slicesAction,
			},
			{
				Name:      "info",
				Usage:     "print the geometry and patient tags of a CT volume",
				UsageText: "dentalscan info --input scan.nrrd",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     segmentFlagInput,
						Aliases:  []string{"i"},
						Required: true,
						Usage:    "NRRD volume or directory of numbered slice images",
					},
				},
				Action: infoAction,
			},
			{
				Name:  "config",
				Usage: "manage the configuration file",
				Subcommands: []*cli.Command{
					{
						Name:  "init",
						Usage: "write the default configuration",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  configFlagPath,
								Value: "dentalscan.yaml",
								Usage: "where the configuration is written",
							},
						},
						Action: configInitAction,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		pterm.Error.Println(err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps registration failures the user can fix by picking points
// again to 2; everything else exits with 1.
func exitCode(err error) int {
	if registrationInputError(err) {
		return 2
	}
	return 1
}

func registrationInputError(err error) bool {
	return errors.Is(err, registration.ErrInsufficientCorrespondences) ||
		errors.Is(err, registration.ErrDegenerateConfiguration)
}
