package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/astromechza/wikisync/pkg/document"
	"github.com/astromechza/wikisync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	svgVar := flag.String("svg", "", "render the change graph to this svg file instead of printing dot")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the file to read")
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := document.Load(buff, "", nil)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	buff = nil
	slog.Info("loaded doc", "contents", doc.Snapshot())
	slog.Info("loaded heads", "heads", doc.Heads())

	changes, err := doc.History()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash, "actor", change.Actor, "seq", change.Seq, "message", change.Message, "dep", change.Deps)
	}

	if *svgVar != "" {
		if err := viz.RenderToSvg(doc, *svgVar); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*svgVar)
		return nil
	}
	return viz.WriteDOT(doc, os.Stdout)
}
