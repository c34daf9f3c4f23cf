package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dargueta/compactvd"
	"github.com/dargueta/compactvd/images"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"
)

func optimizeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "drop-unused",
			Usage: "free blocks the guest file systems don't use (needs --layout)",
		},
		&cli.BoolFlag{
			Name:  "drop-zeroed",
			Usage: "free blocks holding only zeros",
		},
		&cli.StringFlag{
			Name:  "layout",
			Usage: "CSV file listing the regions of the disk: offset,length,type,description",
		},
	}
}

// optimizeFlagsOf combines the configured passes with the ones given on the
// command line, which take precedence.
func (s *session) optimizeFlagsOf(ctx *cli.Context) compactvd.OptimizeFlags {
	flags := s.config.OptimizeFlags()
	if ctx.IsSet("drop-unused") {
		flags &^= compactvd.FreeBlocksUnused
		if ctx.Bool("drop-unused") {
			flags |= compactvd.FreeBlocksUnused
		}
	}
	if ctx.IsSet("drop-zeroed") {
		flags &^= compactvd.FreeBlocksZeroed
		if ctx.Bool("drop-zeroed") {
			flags |= compactvd.FreeBlocksZeroed
		}
	}
	return flags
}

func imageArgument(ctx *cli.Context) (string, error) {
	if ctx.NArg() != 1 {
		return "", compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("expected exactly one image path, got %d arguments", ctx.NArg()))
	}
	return ctx.Args().First(), nil
}

// prepare applies the layout given on the command line, if any, and runs the
// requested optimization passes.
func (s *session) prepare(ctx *cli.Context, image *images.Image, flags compactvd.OptimizeFlags) error {
	if path := ctx.String("layout"); path != "" {
		layout, err := readLayoutFile(path)
		if err != nil {
			return err
		}
		err = image.SetLayout(layout)
		if err != nil {
			return err
		}
	} else if flags.Unused() {
		s.logger.Info().Msg("no layout given, unused blocks can't be detected")
	}
	return image.Optimize(ctx.Context, flags)
}

func (s *session) dump(ctx *cli.Context) error {
	path, err := imageArgument(ctx)
	if err != nil {
		return err
	}
	image, err := images.Open(path, s.options(true))
	if err != nil {
		return err
	}
	defer image.Close()

	bar := newProgressBar(os.Stderr)
	image.Subscribe(bar, false)
	err = s.prepare(ctx, image, s.optimizeFlagsOf(ctx))
	bar.finish()
	if err != nil {
		return err
	}

	view := image.View()
	if ctx.Bool("csv") {
		return writeRegionsCSV(os.Stdout, view.FileSystems)
	}
	return printView(os.Stdout, view)
}

func (s *session) compact(ctx *cli.Context) error {
	path, err := imageArgument(ctx)
	if err != nil {
		return err
	}
	image, err := images.Open(path, s.options(false))
	if err != nil {
		return err
	}
	defer image.Close()

	err = image.Lock()
	if err != nil {
		return err
	}

	bar := newProgressBar(os.Stderr)
	image.Subscribe(bar, false)
	defer bar.finish()

	before := image.View().ImageLength
	err = s.prepare(ctx, image, s.optimizeFlagsOf(ctx))
	if err != nil {
		return err
	}
	err = image.Compact(ctx.Context)
	if err != nil {
		return err
	}

	after := image.View().ImageLength
	s.logger.Info().
		Str("image", path).
		Int64("before", before).
		Int64("after", after).
		Int64("reclaimed", before-after).
		Msg("image compacted")
	return ctx.Context.Err()
}

func (s *session) copy(ctx *cli.Context) error {
	sourcePath, err := imageArgument(ctx)
	if err != nil {
		return err
	}
	source, err := images.Open(sourcePath, s.options(true))
	if err != nil {
		return err
	}
	defer source.Close()

	typeName := ctx.String("format")
	if typeName == "" {
		typeName = source.Type()
	}

	bar := newProgressBar(os.Stderr)
	source.Subscribe(bar, false)
	defer bar.finish()

	// Zeroed blocks never need to be stored in the output.
	err = s.prepare(ctx, source, s.optimizeFlagsOf(ctx)|compactvd.FreeBlocksZeroed)
	if err != nil {
		return err
	}
	if ctx.Context.Err() != nil {
		return ctx.Context.Err()
	}

	targetPath := ctx.String("write")
	options := s.options(false)
	options.Overwrite = ctx.Bool("overwrite")
	options.BlockSize = uint32(ctx.Uint("block-size"))
	target, err := images.Create(targetPath, typeName, source.DiskSize(), options)
	if err != nil {
		return err
	}
	target.Subscribe(bar, false)

	err = s.copyInto(ctx, target, source)
	if err == nil {
		err = ctx.Context.Err()
	}
	if err != nil {
		os.Remove(targetPath)
		return err
	}
	s.logger.Info().Str("source", sourcePath).Str("target", targetPath).Msg("image copied")
	return nil
}

// copyInto copies `source` into the freshly created `target`, along with its NVRAM
// file, and closes `target`.
func (s *session) copyInto(ctx *cli.Context, target *images.Image, source *images.Image) error {
	err := target.Lock()
	if err == nil {
		err = target.Copy(ctx.Context, source)
	}
	if err == nil && ctx.Context.Err() == nil {
		copied, nvramErr := target.CopyNvram(source)
		if nvramErr != nil {
			s.logger.Warn().Err(nvramErr).Msg("failed to copy the NVRAM file")
		} else if copied {
			s.logger.Info().Msg("NVRAM file copied")
		}
	}
	return multierror.Append(err, target.Close()).ErrorOrNil()
}

func (s *session) recover(ctx *cli.Context) error {
	if s.journal == nil {
		return compactvd.ErrNotSupported.WithMessage("journaling is disabled in the configuration")
	}
	outcomes, err := s.recoverJournal(ctx.Context)
	counts := map[string]int{}
	for _, outcome := range outcomes {
		counts[outcome.Result.String()]++
	}
	parts := make([]string, 0, len(counts))
	for _, result := range []string{"restored", "committed", "stale", "discarded"} {
		if counts[result] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[result], result))
		}
	}
	if len(parts) == 0 {
		fmt.Println("Nothing to recover.")
	} else {
		fmt.Println(strings.Join(parts, ", "))
	}
	return err
}
