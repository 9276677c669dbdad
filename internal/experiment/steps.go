package experiment

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParameter indicates a bound value the pipeline cannot use.
var ErrInvalidParameter = errors.New("invalid experiment parameter")

var countryCodes = map[string]float64{"us": 0, "eu": 1, "au": 2}

func LoadData1() Frame {
	return Frame{Columns: []Column{
		{Name: "a", Values: []float64{1, 2, 3, 5, 6}},
	}}
}

func LoadData2() Frame {
	return Frame{Columns: []Column{
		{Name: "b", Values: []float64{1, 1, 1, 1, 0}},
		{Name: "c", Labels: []string{"us", "us", "au", "us", "au"}},
	}}
}

func LoadData3() Frame {
	return Frame{Columns: []Column{
		{Name: "d", Values: []float64{-1, -1, math.NaN(), -3, -1}},
		{Name: "e", Values: []float64{0, 1, -2, 0, 0}},
	}}
}

// MakeXY joins the raw frames into features and target. The country column
// either shifts b for Australian rows, becomes a numeric code, or is dropped.
func MakeXY(df1, df2, df3 Frame, includeCountry, adjustForCountry bool, target, fversion string) (Frame, []float64, error) {
	if fversion == "" {
		return Frame{}, nil, fmt.Errorf("%w: fversion is required", ErrInvalidParameter)
	}

	df, err := Concat(df1, df2, df3)
	if err != nil {
		return Frame{}, nil, err
	}

	country, ok := df.Column("c")
	if !ok || country.Numeric() {
		return Frame{}, nil, fmt.Errorf("%w: categorical column c not found", ErrColumn)
	}

	if adjustForCountry {
		b, ok := df.Column("b")
		if !ok {
			return Frame{}, nil, fmt.Errorf("%w: column b not found", ErrColumn)
		}

		adjusted := Column{Name: "b", Values: make([]float64, len(b.Values))}
		for i, v := range b.Values {
			if country.Labels[i] == "au" {
				v += 2
			}

			adjusted.Values[i] = v
		}

		df = df.With(adjusted)
	}

	if includeCountry {
		encoded := Column{Name: "c", Values: make([]float64, len(country.Labels))}

		for i, label := range country.Labels {
			code, known := countryCodes[label]
			if !known {
				code = math.NaN()
			}

			encoded.Values[i] = code
		}

		df = df.With(encoded)
	} else {
		df = df.Drop("c")
	}

	y, ok := df.Column(target)
	if !ok {
		return Frame{}, nil, fmt.Errorf("%w: target %q not found", ErrColumn, target)
	}

	if !y.Numeric() {
		return Frame{}, nil, fmt.Errorf("%w: target %q is categorical", ErrColumn, target)
	}

	return df.Drop(target), append([]float64{}, y.Values...), nil
}

// SplitXY keeps the last testRatio share of rows for testing.
func SplitXY(x Frame, y []float64, testRatio float64) (Frame, Frame, []float64, []float64, error) {
	if x.Len() != len(y) {
		return Frame{}, Frame{}, nil, nil, fmt.Errorf("%w: %d rows, %d targets", ErrShape, x.Len(), len(y))
	}

	if testRatio <= 0 || testRatio >= 1 {
		return Frame{}, Frame{}, nil, nil, fmt.Errorf("%w: test_ratio must be in (0, 1), got %v", ErrInvalidParameter, testRatio)
	}

	n := len(y)
	nTest := int(float64(n) * testRatio)

	if nTest < 1 || nTest >= n {
		return Frame{}, Frame{}, nil, nil, fmt.Errorf("%w: test_ratio %v leaves %d test rows out of %d", ErrInvalidParameter, testRatio, nTest, n)
	}

	cut := n - nTest

	return x.Slice(0, cut), x.Slice(cut, n),
		append([]float64{}, y[:cut]...), append([]float64{}, y[cut:]...), nil
}

// CrossvalModel scores the estimator with k-fold cross validation, then fits
// it on all rows.
func CrossvalModel(ctx context.Context, modelName string, model Estimator, x Frame, y []float64, nFolds int, mversion string, nJobs int) (*Fitted, CVResults, error) {
	if modelName == "" || mversion == "" {
		return nil, CVResults{}, fmt.Errorf("%w: model_name and mversion are required", ErrInvalidParameter)
	}

	if model == nil {
		return nil, CVResults{}, fmt.Errorf("%w: no estimator bound to _model", ErrInvalidParameter)
	}

	rows, err := x.Matrix()
	if err != nil {
		return nil, CVResults{}, err
	}

	results, err := CrossValidate(ctx, model, x.Names(), rows, y, nFolds, nJobs)
	if err != nil {
		return nil, CVResults{}, err
	}

	fitted, err := model.Fit(x.Names(), rows, y)
	if err != nil {
		return nil, CVResults{}, err
	}

	return fitted, results, nil
}
