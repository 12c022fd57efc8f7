// Package viz renders a replica's insertion tree to SVG for debugging merge
// behavior: one node per inserted character (tombstones greyed out), edges
// from each character to the one inserted after it.
package viz

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/scribesync/scribesync/pkg/crdt"
)

func RenderDocToSvg(doc *crdt.Doc, outputPath string) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	root, err := graph.CreateNode("root")
	if err != nil {
		return fmt.Errorf("failed to create root node: %w", err)
	}
	root.SetLabel("root")

	nodeMap := map[crdt.ID]*cgraph.Node{{}: root}
	deleted := map[crdt.ID]bool{}
	var edgeCounter int
	for _, op := range doc.Ops() {
		if op.Kind == crdt.KindDelete {
			deleted[op.Ref] = true
			continue
		}
		n, err := graph.CreateNode(op.ID.String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%q %s", op.Rune, op.ID))
		nodeMap[op.ID] = n

		parent, ok := nodeMap[op.Ref]
		if !ok {
			return fmt.Errorf("op %s references unknown parent %s", op.ID, op.Ref)
		}
		edgeCounter++
		if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), parent, n); err != nil {
			return fmt.Errorf("failed to create edge: %w", err)
		}
	}
	for id := range deleted {
		if n, ok := nodeMap[id]; ok {
			n.SetStyle(cgraph.DashedNodeStyle)
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}

	if err := os.WriteFile(outputPath, buff.Bytes(), os.ModePerm); err != nil {
		return fmt.Errorf("failed to write")
	}
	return nil
}

func RenderToTemp(doc *crdt.Doc) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderDocToSvg(doc, tf); err != nil {
		return "", err
	}
	return tf, nil
}
