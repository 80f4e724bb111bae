package cmd

import (
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

// Write an export preset file capturing the given options, ready to be
// edited and passed back via --preset.
func WritePreset(ctx *cli.Context) error {
	setupLogging(ctx)

	if ctx.NArg() != 1 {
		return errors.New("preset: expected exactly one output path")
	}

	cfg, err := buildConfig(ctx)
	if err != nil {
		return err
	}

	path := ctx.Args().First()
	if err = cfg.Save(path); err != nil {
		return err
	}

	logger.Noticef("wrote preset %s", path)
	return nil
}
