// Command smos maintains a local SMOS soil moisture archive: download
// mirrors the ESA dissemination service, reshuffle converts daily images
// into cell time series, extend appends newly arrived images to an existing
// store, and write-images rewrites subsets of the image archive.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/TUW-GEO/smos/internal/ease"
	"github.com/TUW-GEO/smos/internal/img2ts"
	"github.com/TUW-GEO/smos/internal/overview"
	"github.com/TUW-GEO/smos/internal/product"
	"github.com/TUW-GEO/smos/internal/smosftp"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "reshuffle":
		err = runReshuffle(os.Args[2:], logger)
	case "extend":
		err = runExtend(os.Args[2:], logger)
	case "write-images":
		err = runWriteImages(os.Args[2:], logger)
	case "download":
		err = runDownload(os.Args[2:], logger)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("Command failed", "err", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: smos <command> <arguments> [flags]

Commands:
  reshuffle    <input_root> <ts_root> <start> <end>   convert images to cell time series
  extend       <input_root> <ts_root>                 append newly arrived images to a store
  write-images <input_root> <out_root> <start> <end>  rewrite image subsets as netCDF files
  download     <local_root>                           mirror the ESA level 2 archive

Dates take the form YYYY-MM-DD or YYYY-MM-DDTHH:MM. Run a command with -h to
see its flags.
`)
}

func runReshuffle(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("reshuffle", flag.ExitOnError)
	productName := fs.String("product", "ic", "image product: ic, l2, l4, l4-sci or l4-oper")
	params := fs.String("parameters", "", `space separated variables to store, default all data variables`)
	onlyGood := fs.Bool("only_good", false, "keep only the best quality flag value instead of the product's default set")
	bbox := fs.String("bbox", "", `bounding box "minLon minLat maxLon maxLat" restricting the conversion`)
	onlyLand := fs.Bool("only_land", false, "restrict the conversion to land points")
	landmask := fs.String("landmask", "", "netCDF land mask file, required with -only_land")
	imgBuffer := fs.Int("imgbuffer", img2ts.DefaultImgBuffer, "images buffered in memory between flushes")

	pos, err := positionals(fs, args, 4)
	if err != nil {
		return err
	}
	spec, err := product.ByName(*productName)
	if err != nil {
		return err
	}
	start, err := product.ParseDate(pos[2])
	if err != nil {
		return err
	}
	end, err := product.ParseDate(pos[3])
	if err != nil {
		return err
	}
	grid, err := buildGrid(*bbox, *onlyLand, *landmask)
	if err != nil {
		return err
	}
	return img2ts.Reshuffle(img2ts.Options{
		InputRoot:  pos[0],
		OutDir:     pos[1],
		Spec:       spec,
		Grid:       grid,
		Start:      start,
		End:        end,
		Parameters: strings.Fields(*params),
		Flags:      flagsFor(spec, *onlyGood),
		ImgBuffer:  *imgBuffer,
		Logger:     logger,
		Progress:   true,
	})
}

func runExtend(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("extend", flag.ExitOnError)
	productName := fs.String("product", "ic", "image product: ic, l2, l4, l4-sci or l4-oper")
	onlyGood := fs.Bool("only_good", false, "keep only the best quality flag value, must match the initial run")
	bbox := fs.String("bbox", "", `bounding box "minLon minLat maxLon maxLat", must match the initial run`)
	onlyLand := fs.Bool("only_land", false, "restrict the conversion to land points, must match the initial run")
	landmask := fs.String("landmask", "", "netCDF land mask file, required with -only_land")
	imgBuffer := fs.Int("imgbuffer", img2ts.DefaultImgBuffer, "images buffered in memory between flushes")

	pos, err := positionals(fs, args, 2)
	if err != nil {
		return err
	}
	spec, err := product.ByName(*productName)
	if err != nil {
		return err
	}
	grid, err := buildGrid(*bbox, *onlyLand, *landmask)
	if err != nil {
		return err
	}
	return img2ts.Extend(img2ts.Options{
		InputRoot: pos[0],
		OutDir:    pos[1],
		Spec:      spec,
		Grid:      grid,
		Flags:     flagsFor(spec, *onlyGood),
		ImgBuffer: *imgBuffer,
		Logger:    logger,
		Progress:  true,
	})
}

func runWriteImages(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("write-images", flag.ExitOnError)
	productName := fs.String("product", "ic", "image product: ic, l2, l4, l4-sci or l4-oper")
	params := fs.String("parameters", "", "space separated variables to keep, default all data variables")
	bbox := fs.String("bbox", "", `bounding box "minLon minLat maxLon maxLat" restricting the output`)
	stack := fs.String("stack", "", "append all images to this single netCDF stack file instead of daily files")

	pos, err := positionals(fs, args, 4)
	if err != nil {
		return err
	}
	spec, err := product.ByName(*productName)
	if err != nil {
		return err
	}
	start, err := product.ParseDate(pos[2])
	if err != nil {
		return err
	}
	end, err := product.ParseDate(pos[3])
	if err != nil {
		return err
	}
	grid, err := buildGrid(*bbox, false, "")
	if err != nil {
		return err
	}
	ds := product.NewDataset(pos[0], spec, grid, strings.Fields(*params), nil, logger)
	return ds.WriteMultiple(pos[1], start, end, *stack)
}

func runDownload(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	startFlag := fs.String("start", "", "first day to mirror, default continues after the newest local day")
	endFlag := fs.String("end", "", "last day to mirror, default the day before the newest on the service")
	username := fs.String("username", "", "dissemination service account, default from ~/"+smosftp.CredentialsFile)
	password := fs.String("password", "", "dissemination service password")
	dryRun := fs.Bool("dry-run", false, "log the mirror commands without transferring anything")

	pos, err := positionals(fs, args, 1)
	if err != nil {
		return err
	}
	c, err := smosftp.New(pos[0], *username, *password, *dryRun, logger)
	if err != nil {
		return err
	}

	start := smosftp.StartDate
	if *startFlag != "" {
		if start, err = product.ParseDate(*startFlag); err != nil {
			return err
		}
	} else if _, last, err := product.FirstLastDays(pos[0]); err == nil {
		start = last.AddDate(0, 0, 1)
	}

	var end time.Time
	if *endFlag != "" {
		if end, err = product.ParseDate(*endFlag); err != nil {
			return err
		}
	} else {
		// The newest day on the service is still being filled.
		last, err := c.LastAvailableDay()
		if err != nil {
			return err
		}
		end = last.AddDate(0, 0, -1)
	}

	if end.Before(start) {
		logger.Info("Local archive is up to date", "through", start.AddDate(0, 0, -1).Format(overview.DayLayout))
		return nil
	}
	_, err = c.SyncPeriod(start, end)
	return err
}

// positionals takes the n leading arguments off args and parses the rest as
// flags. Commands put their positional arguments before the flags.
func positionals(fs *flag.FlagSet, args []string, n int) ([]string, error) {
	if len(args) < n {
		return nil, fmt.Errorf("%s needs %d arguments, got %d", fs.Name(), n, len(args))
	}
	for _, a := range args[:n] {
		if strings.HasPrefix(a, "-") {
			return nil, fmt.Errorf("%s needs %d arguments before the flags", fs.Name(), n)
		}
	}
	if err := fs.Parse(args[n:]); err != nil {
		return nil, err
	}
	if fs.NArg() != 0 {
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return args[:n], nil
}

// buildGrid assembles the active-point subset the flags ask for. Without
// flags the whole globe stays active.
func buildGrid(bbox string, onlyLand bool, landmask string) (*ease.Grid, error) {
	grid := ease.Global()
	if bbox != "" {
		fields := strings.Fields(bbox)
		if len(fields) != 4 {
			return nil, fmt.Errorf(`bbox %q: want "minLon minLat maxLon maxLat"`, bbox)
		}
		vals := make([]float64, 4)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("bbox %q: %w", bbox, err)
			}
			vals[i] = v
		}
		sub, err := grid.SubsetBBox(vals[0], vals[1], vals[2], vals[3])
		if err != nil {
			return nil, err
		}
		grid = sub
	}
	if onlyLand {
		if landmask == "" {
			return nil, errors.New("-only_land needs a -landmask file")
		}
		sub, err := grid.SubsetLand(landmask)
		if err != nil {
			return nil, err
		}
		grid = sub
	}
	return grid, nil
}

// flagsFor narrows the accepted quality flags to the product's best value
// when only the good observations are wanted.
func flagsFor(s product.Spec, onlyGood bool) []float64 {
	if onlyGood {
		return s.DefaultFlags[:1]
	}
	return s.DefaultFlags
}
