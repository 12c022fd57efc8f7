package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/scribesync/scribesync/pkg/crdt"
	"github.com/scribesync/scribesync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	svgVar := flag.String("svg", "", "also render the insertion tree to this path")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one positional argument: the snapshot file to read")
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
	doc, err := crdt.Load("debug", buff)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	buff = nil
	slog.Info("loaded snapshot", "ops", doc.Version(), "len", doc.Len())
	slog.Info("materialized", "text", doc.Text())

	slog.Info("ops:")
	for i, op := range doc.Ops() {
		switch op.Kind {
		case crdt.KindInsert:
			slog.Info("op", "i", fmt.Sprintf("%4d", i), "id", op.ID, "kind", "insert", "after", op.Ref, "rune", string(op.Rune))
		case crdt.KindDelete:
			slog.Info("op", "i", fmt.Sprintf("%4d", i), "id", op.ID, "kind", "delete", "target", op.Ref)
		}
	}

	fmt.Println(`digraph "log" {`)
	deleted := map[crdt.ID]bool{}
	for _, op := range doc.Ops() {
		if op.Kind == crdt.KindDelete {
			deleted[op.Ref] = true
		}
	}
	for _, op := range doc.Ops() {
		if op.Kind != crdt.KindInsert {
			continue
		}
		style := ""
		if deleted[op.ID] {
			style = " style=dashed"
		}
		fmt.Printf("    %q [label=\"%q %s\"%s]\n", op.ID.String(), op.Rune, op.ID, style)
		fmt.Printf("    %q -> %q\n", op.Ref.String(), op.ID.String())
	}
	fmt.Println("}")

	if *svgVar != "" {
		if err := viz.RenderDocToSvg(doc, *svgVar); err != nil {
			return fmt.Errorf("failed to render: %w", err)
		}
		slog.Info("rendered", "path", "file://"+*svgVar)
	}
	return nil
}
