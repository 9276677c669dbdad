package experiment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrUnknownModel indicates a model name with no estimator.
	ErrUnknownModel = errors.New("unknown model")

	// ErrFit indicates a model could not be fitted.
	ErrFit = errors.New("model fit failed")
)

// Estimator fits a linear model. Estimators are configuration only; fitting
// returns a new Fitted value.
type Estimator interface {
	Name() string
	Fit(features []string, x [][]float64, y []float64) (*Fitted, error)
}

// Fitted is a trained linear model. Missing inputs are replaced by the
// training mean of their column.
type Fitted struct {
	Model        string    `json:"model"`
	Features     []string  `json:"features"`
	Intercept    float64   `json:"intercept"`
	Coefficients []float64 `json:"coefficients"`
	Fill         []float64 `json:"fill"`
}

// Predict returns one prediction per row of x.
func (m *Fitted) Predict(x [][]float64) ([]float64, error) {
	out := make([]float64, len(x))

	for i, row := range x {
		if len(row) != len(m.Coefficients) {
			return nil, fmt.Errorf("%w: row %d has %d features, model has %d", ErrShape, i, len(row), len(m.Coefficients))
		}

		p := m.Intercept
		for j, v := range row {
			if math.IsNaN(v) {
				v = m.Fill[j]
			}

			p += m.Coefficients[j] * v
		}

		out[i] = p
	}

	return out, nil
}

// EstimatorFor returns the estimator registered under a model name.
func EstimatorFor(name string) (Estimator, error) {
	switch strings.ToLower(name) {
	case "ols", "linear", "linear_regression":
		return OLS{Ridge: 1e-6}, nil
	case "mean", "baseline", "mean_baseline":
		return MeanBaseline{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
}

// OLS is least squares with an intercept. Ridge adds a small penalty on the
// coefficients so underdetermined folds still have a unique solution.
type OLS struct {
	Ridge float64
}

func (OLS) Name() string { return "ols" }

func (o OLS) Fit(features []string, x [][]float64, y []float64) (*Fitted, error) {
	fill, err := validateFit(features, x, y)
	if err != nil {
		return nil, err
	}

	n, p := len(x), len(features)

	design := mat.NewDense(n, p+1, nil)
	for i, row := range x {
		design.Set(i, 0, 1)

		for j, v := range row {
			if math.IsNaN(v) {
				v = fill[j]
			}

			design.Set(i, j+1, v)
		}
	}

	var gram mat.SymDense
	gram.SymOuterK(1, design.T())

	for j := 1; j <= p; j++ {
		gram.SetSym(j, j, gram.At(j, j)+o.Ridge)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok {
		return nil, fmt.Errorf("%w: normal equations are not positive definite", ErrFit)
	}

	var rhs mat.VecDense
	rhs.MulVec(design.T(), mat.NewVecDense(n, append([]float64{}, y...)))

	var beta mat.VecDense

	err = chol.SolveVecTo(&beta, &rhs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFit, err)
	}

	coefficients := make([]float64, p)
	for j := range coefficients {
		coefficients[j] = beta.AtVec(j + 1)
	}

	return &Fitted{
		Model:        o.Name(),
		Features:     append([]string{}, features...),
		Intercept:    beta.AtVec(0),
		Coefficients: coefficients,
		Fill:         fill,
	}, nil
}

// MeanBaseline always predicts the training mean of the target.
type MeanBaseline struct{}

func (MeanBaseline) Name() string { return "mean" }

func (b MeanBaseline) Fit(features []string, x [][]float64, y []float64) (*Fitted, error) {
	fill, err := validateFit(features, x, y)
	if err != nil {
		return nil, err
	}

	return &Fitted{
		Model:        b.Name(),
		Features:     append([]string{}, features...),
		Intercept:    stat.Mean(y, nil),
		Coefficients: make([]float64, len(features)),
		Fill:         fill,
	}, nil
}

// validateFit checks shapes and returns the per-column means used to fill
// missing values (0 for an all-missing column).
func validateFit(features []string, x [][]float64, y []float64) ([]float64, error) {
	if len(x) == 0 {
		return nil, fmt.Errorf("%w: no training rows", ErrFit)
	}

	if len(x) != len(y) {
		return nil, fmt.Errorf("%w: %d rows, %d targets", ErrShape, len(x), len(y))
	}

	fill := make([]float64, len(features))

	for j := range features {
		present := make([]float64, 0, len(x))

		for i, row := range x {
			if len(row) != len(features) {
				return nil, fmt.Errorf("%w: row %d has %d features, expected %d", ErrShape, i, len(row), len(features))
			}

			if !math.IsNaN(row[j]) {
				present = append(present, row[j])
			}
		}

		if len(present) > 0 {
			fill[j] = stat.Mean(present, nil)
		}
	}

	for i, v := range y {
		if math.IsNaN(v) {
			return nil, fmt.Errorf("%w: target %d is missing", ErrFit, i)
		}
	}

	return fill, nil
}

// MeanAbsoluteError of predictions against truth.
func MeanAbsoluteError(truth, pred []float64) float64 {
	total := 0.0
	for i := range truth {
		total += math.Abs(truth[i] - pred[i])
	}

	return total / float64(len(truth))
}

// R2 is the coefficient of determination. A constant truth scores 1 when
// predicted exactly and 0 otherwise.
func R2(truth, pred []float64) float64 {
	mean := stat.Mean(truth, nil)

	var ssRes, ssTot float64

	for i := range truth {
		ssRes += (truth[i] - pred[i]) * (truth[i] - pred[i])
		ssTot += (truth[i] - mean) * (truth[i] - mean)
	}

	if ssTot == 0 {
		if ssRes == 0 {
			return 1
		}

		return 0
	}

	return 1 - ssRes/ssTot
}

// CVResults holds per-fold scores of a cross validation.
type CVResults struct {
	Folds    int       `json:"folds"`
	TrainMAE []float64 `json:"train_mae"`
	TestMAE  []float64 `json:"test_mae"`
	TrainR2  []float64 `json:"train_r2"`
	TestR2   []float64 `json:"test_r2"`
}

// Metrics returns the mean of every score, named like train_mae.
func (r CVResults) Metrics() map[string]float64 {
	return map[string]float64{
		"train_mae": stat.Mean(r.TrainMAE, nil),
		"test_mae":  stat.Mean(r.TestMAE, nil),
		"train_r2":  stat.Mean(r.TrainR2, nil),
		"test_r2":   stat.Mean(r.TestR2, nil),
	}
}

// KFold splits n rows into k contiguous folds; the first n%k folds get one
// extra row.
func KFold(n, k int) ([][2]int, error) {
	if k < 2 || k > n {
		return nil, fmt.Errorf("%w: cannot split %d rows into %d folds", ErrShape, n, k)
	}

	folds := make([][2]int, k)
	start := 0

	for i := range folds {
		size := n / k
		if i < n%k {
			size++
		}

		folds[i] = [2]int{start, start + size}
		start += size
	}

	return folds, nil
}

// CrossValidate fits est on every k-fold split, scoring train and test rows.
// Up to jobs folds run concurrently.
func CrossValidate(ctx context.Context, est Estimator, features []string, x [][]float64, y []float64, k, jobs int) (CVResults, error) {
	folds, err := KFold(len(x), k)
	if err != nil {
		return CVResults{}, err
	}

	results := CVResults{
		Folds:    k,
		TrainMAE: make([]float64, k),
		TestMAE:  make([]float64, k),
		TrainR2:  make([]float64, k),
		TestR2:   make([]float64, k),
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(max(jobs, 1))

	for i, fold := range folds {
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			trainX := append(append([][]float64{}, x[:fold[0]]...), x[fold[1]:]...)
			trainY := append(append([]float64{}, y[:fold[0]]...), y[fold[1]:]...)
			testX, testY := x[fold[0]:fold[1]], y[fold[0]:fold[1]]

			model, err := est.Fit(features, trainX, trainY)
			if err != nil {
				return fmt.Errorf("fold %d: %w", i, err)
			}

			trainPred, err := model.Predict(trainX)
			if err != nil {
				return err
			}

			testPred, err := model.Predict(testX)
			if err != nil {
				return err
			}

			results.TrainMAE[i] = MeanAbsoluteError(trainY, trainPred)
			results.TestMAE[i] = MeanAbsoluteError(testY, testPred)
			results.TrainR2[i] = R2(trainY, trainPred)
			results.TestR2[i] = R2(testY, testPred)

			return nil
		})
	}

	err = group.Wait()
	if err != nil {
		return CVResults{}, err
	}

	return results, nil
}
