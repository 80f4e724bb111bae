package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"m3dconv/asset/compiler"
	"m3dconv/asset/scene/reader"
)

// Compile scenes without writing output and report what the export would
// contain: per-table statistics plus every diagnostic.
func InfoScene(ctx *cli.Context) error {
	setupLogging(ctx)

	if ctx.NArg() == 0 {
		return errors.New("info: no input files given")
	}

	cfg, err := buildConfig(ctx)
	if err != nil {
		return err
	}

	for idx := 0; idx < ctx.NArg(); idx++ {
		sceneFile := ctx.Args().Get(idx)

		sc, err := reader.ReadScene(sceneFile)
		if err != nil {
			return errors.Wrapf(err, "info: %s", sceneFile)
		}

		model, diags, err := compiler.Compile(sc, cfg)
		if err != nil {
			return errors.Wrapf(err, "info: %s", sceneFile)
		}

		fmt.Printf("%s (model %q)\n", sceneFile, model.Name)
		fmt.Print(model.Stats())
		if len(diags) > 0 {
			fmt.Printf("%d diagnostics:\n", len(diags))
			for _, d := range diags {
				fmt.Printf("  %s\n", d)
			}
		}
	}
	return nil
}
