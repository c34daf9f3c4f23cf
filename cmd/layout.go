package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dargueta/compactvd"
	"github.com/dargueta/compactvd/images"
	"github.com/gocarina/gocsv"
)

// regionRecord is one line of a layout file. Regions read from a file have no
// file system to ask about allocation, so they only get per-region statistics.
type regionRecord struct {
	Offset      int64  `csv:"offset"`
	Length      int64  `csv:"length"`
	Type        string `csv:"type"`
	Description string `csv:"description"`
}

func readLayout(reader io.Reader, name string) (compactvd.StaticLayout, error) {
	var records []regionRecord
	err := gocsv.Unmarshal(reader, &records)
	if err != nil {
		return compactvd.StaticLayout{}, compactvd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't read layout %s: %s", name, err.Error()))
	}

	layout := compactvd.StaticLayout{Name: "CSV", Regions: make([]compactvd.Region, 0, len(records))}
	for _, record := range records {
		layout.Regions = append(
			layout.Regions,
			compactvd.Region{
				Offset:      record.Offset,
				Length:      record.Length,
				Type:        record.Type,
				Description: record.Description,
			},
		)
	}
	return layout, nil
}

func readLayoutFile(path string) (compactvd.StaticLayout, error) {
	file, err := os.Open(path)
	if err != nil {
		return compactvd.StaticLayout{}, compactvd.ErrNotFound.Wrap(err)
	}
	defer file.Close()
	return readLayout(file, path)
}

func writeRegionsCSV(writer io.Writer, regions []images.FileSystemView) error {
	if regions == nil {
		regions = []images.FileSystemView{}
	}
	return gocsv.Marshal(regions, writer)
}

func formatCount(count *int) string {
	if count == nil {
		return "-"
	}
	return fmt.Sprint(*count)
}

func printView(writer io.Writer, view images.ImageView) error {
	table := tabwriter.NewWriter(writer, 0, 0, 2, ' ', 0)
	fmt.Fprintf(table, "Image:\t%s\n", view.Path)
	fmt.Fprintf(table, "Type:\t%s\n", view.Type)
	fmt.Fprintf(table, "Disk size:\t%d\n", view.DiskLength)
	fmt.Fprintf(table, "Block size:\t%d\n", view.BlockSize)
	fmt.Fprintf(table, "File size:\t%d\n", view.ImageLength)
	fmt.Fprintf(table, "Optimized size:\t%d\n", view.OptimizedLength)
	fmt.Fprintf(table, "Blocks:\t%d total, %d in file, %d mapped\n",
		view.BlocksCount, view.BlocksInFile, view.BlocksMapped)
	fmt.Fprintf(table, "Blocks freed:\t%s unused, %s zeroed\n",
		formatCount(view.BlocksUnused), formatCount(view.BlocksZeroed))

	if view.Layout != "" {
		fmt.Fprintf(table, "Layout:\t%s\n", view.Layout)
		for _, region := range view.FileSystems {
			name := strings.TrimSpace(region.Type + " " + region.Description)
			fmt.Fprintf(table, "  %s\t@%d+%d: %d blocks, %d mapped, %d unused, %d zeroed\n",
				name, region.Offset, region.Length,
				region.BlocksCount, region.BlocksMapped, region.BlocksUnused, region.BlocksZeroed)
		}
	}
	return table.Flush()
}
