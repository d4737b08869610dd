// Package viz draws the change graph of a page document, one node per change labelled with the page state
// right after it.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/wikisync/pkg/document"
)

// History is the read side of a document store.
type History interface {
	History() ([]document.Change, error)
	BlocksAt(heads ...automerge.ChangeHash) ([]document.Block, error)
}

// Label summarises a change and the block count it produced.
func Label(c document.Change, blocks []document.Block) string {
	actor := c.Actor
	if len(actor) > 8 {
		actor = actor[:8]
	}
	label := fmt.Sprintf("%s %s@%d %d blocks", c.Hash.String()[:8], actor, c.Seq, len(blocks))
	if c.Message != "" {
		label += " (" + c.Message + ")"
	}
	return label
}

// WriteDOT writes the change graph in graphviz dot syntax.
func WriteDOT(h History, w io.Writer) error {
	changes, err := h.History()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, `digraph "log" {`); err != nil {
		return err
	}
	for _, change := range changes {
		blocks, err := h.BlocksAt(change.Hash)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "    %q [label=%q]\n", change.Hash.String(), Label(change, blocks)); err != nil {
			return err
		}
		for _, dep := range change.Deps {
			if _, err := fmt.Fprintf(w, "    %q -> %q\n", dep.String(), change.Hash.String()); err != nil {
				return err
			}
		}
	}
	_, err = fmt.Fprintln(w, "}")
	return err
}

// Render draws the change graph in the given format.
func Render(h History, format graphviz.Format, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	changes, err := h.History()
	if err != nil {
		return err
	}

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter uint64
	for _, change := range changes {
		blocks, err := h.BlocksAt(change.Hash)
		if err != nil {
			return err
		}
		n, err := graph.CreateNode(change.Hash.String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(Label(change, blocks))
		nodeMap[n.Name()] = n

		for _, hash := range change.Deps {
			parent, ok := nodeMap[hash.String()]
			if !ok {
				continue
			}
			if _, err := graph.CreateEdge(strconv.Itoa(int(atomic.AddUint64(&edgeCounter, 1))), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func RenderToSvg(h History, outputPath string) error {
	var buff bytes.Buffer
	if err := Render(h, graphviz.SVG, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

func RenderToTemp(h History) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderToSvg(h, tf); err != nil {
		return "", err
	}
	return tf, nil
}
