package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/gonzalop/ftpengine"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	dirColor  = color.New(color.FgBlue, color.Bold)
	linkColor = color.New(color.FgCyan)
)

func okf(w io.Writer, format string, args ...any) {
	okColor.Fprintf(w, format+"\n", args...)
}

func warnf(w io.Writer, format string, args ...any) {
	warnColor.Fprintf(w, format+"\n", args...)
}

// renderListing prints entries as a table, directories first.
func renderListing(w io.Writer, entries []ftpengine.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Directory is empty")
		return nil
	}
	sorted := append([]ftpengine.Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		di, dj := sorted[i].Type == ftpengine.EntryDir, sorted[j].Type == ftpengine.EntryDir
		if di != dj {
			return di
		}
		return sorted[i].Name < sorted[j].Name
	})

	table := tablewriter.NewWriter(w)
	table.Header("Name", "Type", "Size", "Modified")
	table.Options(
		tablewriter.WithRendition(tw.Rendition{Borders: tw.Border{Left: tw.Pending, Right: tw.Pending, Top: tw.Pending, Bottom: tw.Pending}}),
	)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.MaxWidth = 0
		cfg.Header = tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}}
		cfg.Row = tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}}
		cfg.Behavior = tw.Behavior{}
	})

	for _, e := range sorted {
		if err := table.Append([]string{entryName(e), e.Type, entrySize(e), entryTime(e)}); err != nil {
			return err
		}
	}
	return table.Render()
}

func entryName(e ftpengine.Entry) string {
	switch e.Type {
	case ftpengine.EntryDir:
		return dirColor.Sprint(e.Name + "/")
	case ftpengine.EntryLink:
		if e.Target != "" {
			return linkColor.Sprint(e.Name + " -> " + e.Target)
		}
		return linkColor.Sprint(e.Name + "@")
	}
	return e.Name
}

func entrySize(e ftpengine.Entry) string {
	if e.Type == ftpengine.EntryDir || e.Size < 0 {
		return "-"
	}
	return humanize.IBytes(uint64(e.Size))
}

func entryTime(e ftpengine.Entry) string {
	if e.ModTime.IsZero() {
		return "-"
	}
	return e.ModTime.Format("Jan 02 2006 15:04")
}

func probeColor(r ftpengine.ProbeResult) *color.Color {
	if r == ftpengine.ProbeOK {
		return okColor
	}
	return warnColor
}
