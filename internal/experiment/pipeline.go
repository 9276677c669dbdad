// Package experiment is the reference pipeline: three loaders feed a feature
// step, a train/test split and a cross-validated linear model.
package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/lazypipe/pkg/eval"
	"github.com/dukex/lazypipe/pkg/graph"
	"github.com/dukex/lazypipe/pkg/params"
	"github.com/dukex/lazypipe/pkg/tracking"
)

// Prefix namespaces the experiment's own steps.
const Prefix = "mlpipe_"

// Defaults declares the experiment's slots. nil means the slot must be bound.
func Defaults() map[string]any {
	return map[string]any{
		"fversion":           nil,
		"mversion":           nil,
		"include_country":    nil,
		"adjust_for_country": nil,
		"target":             nil,
		"test_ratio":         nil,
		"n_folds":            nil,
		"model_name":         nil,
		"_model":             nil,
		"_n_jobs":            1,
	}
}

// Pipeline is the experiment graph with handles to every step output.
type Pipeline struct {
	Graph  *graph.Graph
	Params *params.Registry

	Data1, Data2, Data3          graph.Handle
	X, Y                         graph.Handle
	XTrain, XTest, YTrain, YTest graph.Handle
	Model, Results               graph.Handle
}

// New wires the pipeline into a fresh graph. Nothing runs.
func New() (*Pipeline, error) {
	g := graph.New()
	reg := params.NewRegistry()

	err := reg.DeclareMany(Defaults())
	if err != nil {
		return nil, err
	}

	p := &Pipeline{Graph: g, Params: reg}

	loaders := make([]graph.Handle, 3)

	for i, fn := range []func() Frame{LoadData1, LoadData2, LoadData3} {
		f, err := g.Func(fn, graph.WithName(fmt.Sprintf("load_data_%d", i+1)))
		if err != nil {
			return nil, err
		}

		hs, err := f.Call()
		if err != nil {
			return nil, err
		}

		loaders[i] = hs[0]
	}

	p.Data1, p.Data2, p.Data3 = loaders[0], loaders[1], loaders[2]

	makeXY, err := g.Func(MakeXY,
		graph.WithName("make_x_y"), graph.WithNamePrefix(Prefix), graph.WithOutputs(2),
		graph.WithArgNames("df_1", "df_2", "df_3", "include_country", "adjust_for_country", "target", "fversion"))
	if err != nil {
		return nil, err
	}

	xy, err := makeXY.Call(p.Data1, p.Data2, p.Data3,
		reg.MustSlot("include_country"), reg.MustSlot("adjust_for_country"),
		reg.MustSlot("target"), reg.MustSlot("fversion"))
	if err != nil {
		return nil, err
	}

	p.X, p.Y = xy[0], xy[1]

	splitXY, err := g.Func(SplitXY,
		graph.WithName("split_x_y"), graph.WithNamePrefix(Prefix), graph.WithOutputs(4),
		graph.WithArgNames("X", "y", "test_ratio"))
	if err != nil {
		return nil, err
	}

	split, err := splitXY.Call(p.X, p.Y, reg.MustSlot("test_ratio"))
	if err != nil {
		return nil, err
	}

	p.XTrain, p.XTest, p.YTrain, p.YTest = split[0], split[1], split[2], split[3]

	crossval, err := g.Func(CrossvalModel,
		graph.WithName("crossval_model"), graph.WithNamePrefix(Prefix), graph.WithOutputs(2),
		graph.WithArgNames("model_name", "_model", "X", "y", "n_folds", "mversion", "n_jobs"))
	if err != nil {
		return nil, err
	}

	cv, err := crossval.Call(reg.MustSlot("model_name"), reg.MustSlot("_model"),
		p.XTrain, p.YTrain, reg.MustSlot("n_folds"), reg.MustSlot("mversion"), reg.MustSlot("_n_jobs"))
	if err != nil {
		return nil, err
	}

	p.Model, p.Results = cv[0], cv[1]

	exports := map[string]graph.Handle{
		"data_1": p.Data1, "data_2": p.Data2, "data_3": p.Data3,
		"x": p.X, "y": p.Y,
		"x_train": p.XTrain, "x_test": p.XTest, "y_train": p.YTrain, "y_test": p.YTest,
		"cv_model": p.Model, "cv_results": p.Results,
	}

	for name, h := range exports {
		err = g.Export(name, h)
		if err != nil {
			return nil, err
		}
	}

	return p, nil
}

// Bind binds values and fills _model from model_name when it is not given.
func (p *Pipeline) Bind(values map[string]any) (params.Binding, error) {
	b, err := p.Params.Bind(values)
	if err != nil {
		return params.Binding{}, err
	}

	return withEstimator(b)
}

// LoadFile reads a binding file; see Bind.
func (p *Pipeline) LoadFile(path string, overrides map[string]any) (params.Binding, error) {
	b, err := p.Params.LoadFile(path, overrides)
	if err != nil {
		return params.Binding{}, err
	}

	return withEstimator(b)
}

func withEstimator(b params.Binding) (params.Binding, error) {
	if _, ok := b.Lookup("_model"); ok {
		return b, nil
	}

	name, ok := b.Lookup("model_name")
	if !ok {
		return b, nil
	}

	s, ok := name.(string)
	if !ok {
		return params.Binding{}, fmt.Errorf("%w: model_name must be a string, got %T", ErrInvalidParameter, name)
	}

	est, err := EstimatorFor(s)
	if err != nil {
		return params.Binding{}, err
	}

	return b.With("_model", est), nil
}

// RunOptions configures RunExperiment.
type RunOptions struct {
	// ModelPath, when set, receives the fitted model as JSON.
	ModelPath string

	// Sink, when set, records the run.
	Sink tracking.Sink

	// Experiment names the tracking experiment; defaults to Prefix.
	Experiment string
}

// Result is the outcome of one experiment run.
type Result struct {
	Model  *Fitted
	Scores CVResults
	Report *eval.Report
	RunID  string
}

// RunExperiment evaluates the fitted model and its cross-validation scores,
// then optionally saves the model and logs a tracking run.
func RunExperiment(ctx context.Context, ev *eval.Evaluator, p *Pipeline, binding params.Binding, opts RunOptions) (*Result, error) {
	run := tracking.NewRun(experimentName(opts), trackedParams(binding))

	values, report, err := ev.EvaluateWithReport(ctx, []graph.Handle{p.Model, p.Results}, binding)
	if err != nil {
		return nil, err
	}

	model, ok := values[0].(*Fitted)
	if !ok {
		return nil, fmt.Errorf("unexpected model type %T", values[0])
	}

	scores, ok := values[1].(CVResults)
	if !ok {
		return nil, fmt.Errorf("unexpected results type %T", values[1])
	}

	result := &Result{Model: model, Scores: scores, Report: report}

	if opts.ModelPath != "" {
		err = SaveModel(opts.ModelPath, model)
		if err != nil {
			return nil, err
		}
	}

	if opts.Sink != nil {
		run.Tags["evaluation_id"] = report.EvaluationID
		run.Finish(scores.Metrics())

		err = opts.Sink.LogRun(ctx, run)
		if err != nil {
			return nil, fmt.Errorf("failed to log run: %w", err)
		}

		result.RunID = run.ID
	}

	return result, nil
}

func experimentName(opts RunOptions) string {
	if opts.Experiment != "" {
		return opts.Experiment
	}

	return Prefix
}

// trackedParams drops unkeyed values such as the estimator itself.
func trackedParams(b params.Binding) map[string]any {
	out := make(map[string]any)

	for name, v := range b.Values() {
		if strings.HasPrefix(name, "_") {
			continue
		}

		out[name] = v
	}

	return out
}

// SaveModel writes the model as indented JSON, creating parent directories.
func SaveModel(path string, model *Fitted) error {
	data, err := json.MarshalIndent(model, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}

	err = os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}
