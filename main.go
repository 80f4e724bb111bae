package main

import (
	"os"

	"github.com/urfave/cli"

	"m3dconv/cmd"
)

func main() {
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print only the version",
	}

	app := cli.NewApp()
	app.Name = "m3dconv"
	app.Usage = "convert 3D scenes to the Model 3D binary format"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "export",
			Usage: "export scene files to binary .m3d models",
			Description: `
Parse each scene file, run it through the export pipeline (collect, quantize,
pack materials, encode skeleton) and write the resulting chunk stream as a
.m3d file next to the input. Multiple inputs are exported concurrently.`,
			ArgsUsage: "scene1.obj scene2.obj ...",
			Flags:     cmd.ExportFlags,
			Action:    cmd.ExportScene,
		},
		{
			Name:      "info",
			Usage:     "compile scenes and print the resulting table statistics without writing output",
			ArgsUsage: "scene1.obj scene2.obj ...",
			Flags:     cmd.ExportFlags,
			Action:    cmd.InfoScene,
		},
		{
			Name:      "preset",
			Usage:     "write an export preset file capturing the given options",
			ArgsUsage: "preset.yaml",
			Flags:     cmd.ExportFlags,
			Action:    cmd.WritePreset,
		},
	}

	app.Run(os.Args)
}
