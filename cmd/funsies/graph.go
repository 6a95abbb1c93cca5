package main

import (
	"context"
	"os"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/aspuru-guzik-group/funsies/internal/graph"
	"github.com/aspuru-guzik-group/funsies/internal/store"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Emit the full provenance graph as Graphviz DOT",
	RunE:  runGraph,
}

// dotNode is one node line in the rendered graph: an operation or an
// artifact, colored by its current status the way the reference
// graphviz module colors a funsies workflow.
type dotNode struct {
	ID    string
	Label string
	Shape string
	Color string
}

type dotEdge struct {
	From string
	To   string
}

type dotGraph struct {
	Nodes []dotNode
	Edges []dotEdge
}

var dotTemplate = template.Must(template.New("graph").Parse(`digraph funsies {
  rankdir=LR;
  node [style=filled, fontname="monospace"];
{{- range .Nodes}}
  "{{.ID}}" [label="{{.Label}}", shape={{.Shape}}, fillcolor="{{.Color}}"];
{{- end}}
{{- range .Edges}}
  "{{.From}}" -> "{{.To}}";
{{- end}}
}
`))

// statusColor mirrors the reference graphviz module's palette: ready
// work is green, failed work is red, anything still unresolved is
// gray.
func statusColor(s graph.Status) string {
	switch s {
	case graph.Ready, graph.Linked:
		return "#90ee90"
	case graph.Error:
		return "#f08080"
	default:
		return "#d3d3d3"
	}
}

func runGraph(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	s, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	g, err := buildDotGraph(ctx, s)
	if err != nil {
		return err
	}
	return dotTemplate.Execute(os.Stdout, g)
}

func buildDotGraph(ctx context.Context, s *store.Store) (dotGraph, error) {
	var g dotGraph

	opHashes, err := s.ListOperations(ctx)
	if err != nil {
		return g, err
	}
	artHashes, err := s.ListArtifacts(ctx)
	if err != nil {
		return g, err
	}

	for _, h := range opHashes {
		op, err := s.GetOperation(ctx, h)
		if err != nil {
			continue
		}
		opStatus, err := s.OperationStatus(ctx, h)
		if err != nil {
			continue
		}
		color := "#d3d3d3"
		if opStatus == graph.OpDone {
			color = "#90ee90"
		} else if opStatus == graph.OpError {
			color = "#f08080"
		}
		id := "op:" + h.String()[:12]
		g.Nodes = append(g.Nodes, dotNode{ID: id, Label: "op " + h.String()[:8], Shape: "box", Color: color})

		for _, dep := range op.Inputs {
			g.Edges = append(g.Edges, dotEdge{From: "art:" + dep.String()[:12], To: id})
		}
		for _, out := range op.Outputs {
			g.Edges = append(g.Edges, dotEdge{From: id, To: "art:" + out.String()[:12]})
		}
	}

	for _, h := range artHashes {
		status, err := s.ArtifactStatus(ctx, h)
		if err != nil {
			continue
		}
		id := "art:" + h.String()[:12]
		g.Nodes = append(g.Nodes, dotNode{ID: id, Label: h.String()[:8], Shape: "ellipse", Color: statusColor(status)})
	}

	return g, nil
}
