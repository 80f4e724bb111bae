package cmd

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"m3dconv/asset/compiler"
	"m3dconv/asset/m3d"
	"m3dconv/asset/scene/reader"
	"m3dconv/config"
)

// ExportFlags is the option set shared by the export and info commands.
var ExportFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "preset, p",
		Usage: "load export options from a yaml preset file",
	},
	cli.StringFlag{
		Name:  "out, o",
		Usage: "output file (single input only; defaults to the input name with a .m3d extension)",
	},
	cli.StringFlag{
		Name:  "name",
		Usage: "model name stored in the output (defaults to the scene name)",
	},
	cli.StringFlag{
		Name:  "license",
		Usage: "license string stored in the output",
	},
	cli.StringFlag{
		Name:  "author",
		Usage: "author string stored in the output",
	},
	cli.StringFlag{
		Name:  "comment",
		Usage: "comment string stored in the output",
	},
	cli.Float64Flag{
		Name:  "scale",
		Usage: "model-space 1.0 in SI meters; 0 derives it from the model extent",
	},
	cli.IntFlag{
		Name:  "quality",
		Usage: "coordinate width in bits (8, 16, 32 or 64); 0 picks one from the face count",
	},
	cli.IntFlag{
		Name:  "index-size",
		Usage: "pin all table indices to this width in bits (8, 16 or 32); 0 sizes them per table",
	},
	cli.BoolFlag{
		Name:  "no-normals",
		Usage: "do not export normals",
	},
	cli.BoolFlag{
		Name:  "no-uvs",
		Usage: "do not export texture coordinates",
	},
	cli.BoolFlag{
		Name:  "no-colors",
		Usage: "do not export vertex colors",
	},
	cli.BoolFlag{
		Name:  "no-materials",
		Usage: "do not export materials",
	},
	cli.BoolFlag{
		Name:  "no-skeleton",
		Usage: "do not export the armature",
	},
	cli.BoolFlag{
		Name:  "no-animation",
		Usage: "do not export actions",
	},
	cli.BoolFlag{
		Name:  "embed",
		Usage: "inline texture payloads into the output",
	},
	cli.BoolFlag{
		Name:  "allow-oor-uvs",
		Usage: "keep texture coordinates outside the 0..1 range (forces float coordinates)",
	},
	cli.BoolFlag{
		Name:  "no-grid",
		Usage: "disable lossy grid compression of coordinates",
	},
	cli.BoolFlag{
		Name:  "raw",
		Usage: "disable zlib compression of the chunk stream",
	},
}

// Export scenes to the binary model format. Inputs are independent, so a
// batch invocation compiles them concurrently.
func ExportScene(ctx *cli.Context) error {
	setupLogging(ctx)

	if ctx.NArg() == 0 {
		return errors.New("export: no input files given")
	}
	if ctx.String("out") != "" && ctx.NArg() > 1 {
		return errors.New(`export: "out" cannot be combined with multiple inputs`)
	}

	cfg, err := buildConfig(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, ctx.NArg())
	for idx := 0; idx < ctx.NArg(); idx++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = exportOne(ctx.Args().Get(idx), outputPath(ctx, idx), cfg)
		}(idx)
	}
	wg.Wait()

	for idx, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "export: %s", ctx.Args().Get(idx))
		}
	}
	return nil
}

func exportOne(sceneFile, outFile string, cfg *config.Config) error {
	sc, err := reader.ReadScene(sceneFile)
	if err != nil {
		return err
	}

	model, diags, err := compiler.Compile(sc, cfg)
	if err != nil {
		return err
	}
	for _, d := range diags {
		logger.Warningf("%s: %s", sceneFile, d)
	}

	err = m3d.WriteFile(outFile, model, m3d.Options{
		Compress:  cfg.StreamCompress,
		IndexSize: cfg.IndexSize,
	})
	if err != nil {
		return err
	}

	logger.Noticef("wrote %s", outFile)
	return nil
}

func outputPath(ctx *cli.Context, idx int) string {
	if out := ctx.String("out"); out != "" {
		return out
	}
	in := ctx.Args().Get(idx)
	if dot := strings.LastIndex(in, "."); dot > strings.LastIndexAny(in, `/\`) {
		return in[:dot] + ".m3d"
	}
	return in + ".m3d"
}

// buildConfig layers the command line options over the preset (or the
// defaults when no preset is given).
func buildConfig(ctx *cli.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if preset := ctx.String("preset"); preset != "" {
		cfg, err = config.Load(preset)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}

	if ctx.IsSet("name") {
		cfg.Name = ctx.String("name")
	}
	if ctx.IsSet("license") {
		cfg.License = ctx.String("license")
	}
	if ctx.IsSet("author") {
		cfg.Author = ctx.String("author")
	}
	if ctx.IsSet("comment") {
		cfg.Comment = ctx.String("comment")
	}
	if ctx.IsSet("scale") {
		cfg.Scale = float32(ctx.Float64("scale"))
	}
	if ctx.IsSet("quality") {
		cfg.Quality, err = config.QualityFromBits(ctx.Int("quality"))
		if err != nil {
			return nil, err
		}
	}
	if ctx.IsSet("index-size") {
		cfg.IndexSize = ctx.Int("index-size")
	}
	if ctx.Bool("no-normals") {
		cfg.Normals = false
	}
	if ctx.Bool("no-uvs") {
		cfg.UVs = false
	}
	if ctx.Bool("no-colors") {
		cfg.Colors = false
	}
	if ctx.Bool("no-materials") {
		cfg.Materials = false
	}
	if ctx.Bool("no-skeleton") {
		cfg.Skeleton = false
	}
	if ctx.Bool("no-animation") {
		cfg.Animation = false
	}
	if ctx.Bool("embed") {
		cfg.EmbedTextures = true
	}
	if ctx.Bool("allow-oor-uvs") {
		cfg.AllowOutOfRangeUVs = true
	}
	if ctx.Bool("no-grid") {
		cfg.GridCompress = false
	}
	if ctx.Bool("raw") {
		cfg.StreamCompress = false
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
