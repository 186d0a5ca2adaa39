package main

import (
	"log"
	"os"

	cli "gopkg.in/urfave/cli.v1"
)

var commands = cli.Commands{
	cli.Command{
		Name:      "area",
		Aliases:   []string{"a"},
		Usage:     "Measure a GeoJSON field in its UTM zone",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "aoi", Usage: "GeoJSON file holding the field"},
		},
		Action: areaAction,
	},
	cli.Command{
		Name:    "index",
		Aliases: []string{"i"},
		Usage:   "Compute an index raster from Landsat bands",
		Subcommands: cli.Commands{
			cli.Command{
				Name:  "mtvi2",
				Usage: "MTVI2 from the NIR, red and green surface reflectance bands",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "nir", Usage: "NIR band (B5) GeoTIFF"},
					cli.StringFlag{Name: "red", Usage: "red band (B4) GeoTIFF"},
					cli.StringFlag{Name: "green", Usage: "green band (B3) GeoTIFF"},
					cli.StringFlag{Name: "out", Usage: "output GeoTIFF"},
				},
				Action: mtvi2Action,
			},
			cli.Command{
				Name:  "smi",
				Usage: "SMI from the surface temperature band",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "lst", Usage: "surface temperature band (ST_B10) GeoTIFF"},
					cli.StringFlag{Name: "out", Usage: "output GeoTIFF"},
				},
				Action: smiAction,
			},
		},
	},
	cli.Command{
		Name:    "weekly",
		Aliases: []string{"w"},
		Usage:   "Resample a daily yield report into growing-season weeks",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "csv", Usage: "daily yield CSV"},
			cli.BoolFlag{Name: "scaled", Usage: "min-max scale the weekly volumes"},
		},
		Action: weeklyAction,
	},
	cli.Command{
		Name:    "predict",
		Aliases: []string{"p"},
		Usage:   "Forecast weekly yields for a field from local scenes",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "aoi", Usage: "GeoJSON file holding the field"},
			cli.StringFlag{Name: "start", Usage: "first forecast week (YYYY-MM-DD, default latest scene)"},
			cli.StringFlag{Name: "model", Usage: "model manifest (model.json)"},
			cli.StringFlag{Name: "catalog-dir", Usage: "directory laid out like the scene bucket"},
			cli.StringFlag{Name: "yields", Usage: "daily yield CSV"},
			cli.IntFlag{Name: "weeks", Value: 13, Usage: "number of weeks to forecast"},
			cli.IntFlag{Name: "frames", Value: 4, Usage: "newest scenes to use (0 = all)"},
			cli.Float64Flag{Name: "region-acres", Value: 9229, Usage: "acreage covered by the yield report"},
			cli.StringFlag{Name: "unit", Value: "acre", Usage: "area unit of the output (acre or m2)"},
		},
		Action: predictAction,
	},
	cli.Command{
		Name:  "model",
		Usage: "Model artifact utilities",
		Subcommands: cli.Commands{
			cli.Command{
				Name:  "init",
				Usage: "Write a randomly initialised model artifact",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "out", Usage: "output directory"},
					cli.IntFlag{Name: "size", Value: 512, Usage: "input frame side"},
					cli.Int64Flag{Name: "seed", Value: 1, Usage: "weight seed"},
				},
				Action: modelInitAction,
			},
		},
	},
}

func createCliApp() (app *cli.App) {
	app = cli.NewApp()
	app.Name = "yieldctl"
	app.Usage = "Offline tools for the crop yield pipeline"
	app.Commands = commands
	return
}

func main() {
	if err := createCliApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
