// Package web provides HTTP request and response types for the pipeline API.
package web

import (
	"github.com/dukex/lazypipe/pkg/cache"
	"github.com/dukex/lazypipe/pkg/eval"
	"github.com/dukex/lazypipe/pkg/graph"
)

// RunRequest asks for exported outputs under a set of parameter values.
type RunRequest struct {
	Targets []string       `json:"targets" validate:"required,min=1,dive,required"`
	Params  map[string]any `json:"params"`
}

// RunResponse carries one value per requested target.
type RunResponse struct {
	EvaluationID string         `json:"evaluation_id"`
	Values       map[string]any `json:"values"`
	Report       *eval.Report   `json:"report"`
}

// KeysResponse maps each target to the cache key it would be stored under.
type KeysResponse struct {
	Keys map[string]cache.Key `json:"keys"`
}

// ExportResponse locates one exported output.
type ExportResponse struct {
	Node   string `json:"node"`
	Output int    `json:"output"`
}

// GraphResponse describes the pipeline graph.
type GraphResponse struct {
	Nodes   []graph.NodeInfo          `json:"nodes"`
	Exports map[string]ExportResponse `json:"exports"`
}

// TransformGraph builds the graph description served by GET /graph.
func TransformGraph(g *graph.Graph) GraphResponse {
	exports := make(map[string]ExportResponse)

	for name, h := range g.Exports() {
		exports[name] = ExportResponse{Node: h.Node().ID(), Output: h.Index()}
	}

	return GraphResponse{
		Nodes:   g.Describe(),
		Exports: exports,
	}
}
