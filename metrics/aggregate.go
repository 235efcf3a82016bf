package metrics

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/conformal/pkg/errors"
	"github.com/YuminosukeSato/conformal/pkg/log"
)

// Record は1手法の評価結果
type Record struct {
	Coverage CoverageMetrics
	SetSize  SetSizeMetrics
}

// SeedResults は1シード分の保存済み結果
type SeedResults struct {
	// Path は読み込み元のファイル。欠損の警告に使う
	Path    string
	Methods map[string]Record
}

// Summary はシード間の平均と標準誤差
type Summary struct {
	Mean float64
	SE   float64
}

// MethodSummary は1手法のシード集計
type MethodSummary struct {
	Method   string
	NumSeeds int

	MarginalCoverage     Summary
	MeanClassCovGap      Summary
	MaxGap               Summary
	UndercovGap          Summary
	OvercovGap           Summary
	VeryUndercoveredFrac Summary
	MeanSetSize          Summary
}

// Aggregate は手法ごとに指標のシード平均と標準誤差を計算する
//
// 先頭からmaxSeeds件(0以下なら全件)のシードを使う。手法が欠けているシードは
// MissingMethodErrorを警告してその手法の集計から除外する。0として扱うことはない。
// methodsが空なら最初のシードにある手法を名前順に使う。
func Aggregate(results []SeedResults, methods []string, maxSeeds int) ([]MethodSummary, error) {
	if len(results) == 0 {
		return nil, errors.NewValueError("Aggregate", "no results")
	}
	if maxSeeds > 0 && len(results) > maxSeeds {
		results = results[:maxSeeds]
	}
	if len(methods) == 0 {
		for m := range results[0].Methods {
			methods = append(methods, m)
		}
		slices.Sort(methods)
	}

	logger := log.GetLoggerWithName("metrics")
	out := make([]MethodSummary, 0, len(methods))
	for _, method := range methods {
		var records []Record
		for _, r := range results {
			rec, ok := r.Methods[method]
			if !ok {
				errors.Warn(errors.NewMissingMethodError(method, r.Path))
				continue
			}
			records = append(records, rec)
		}

		s := summarize(method, records)
		logger.Debug("method aggregated",
			log.MethodKey, method,
			"seeds", s.NumSeeds,
			log.CoverageKey, s.MarginalCoverage.Mean,
			log.ClassCovGapKey, s.MeanClassCovGap.Mean,
		)
		out = append(out, s)
	}
	return out, nil
}

func summarize(method string, records []Record) MethodSummary {
	field := func(get func(Record) float64) Summary {
		if len(records) == 0 {
			return Summary{Mean: math.NaN(), SE: math.NaN()}
		}
		x := make([]float64, len(records))
		for i, r := range records {
			x[i] = get(r)
		}
		mean, std := stat.PopMeanStdDev(x, nil)
		return Summary{Mean: mean, SE: std / math.Sqrt(float64(len(x)))}
	}

	return MethodSummary{
		Method:               method,
		NumSeeds:             len(records),
		MarginalCoverage:     field(func(r Record) float64 { return r.Coverage.MarginalCoverage }),
		MeanClassCovGap:      field(func(r Record) float64 { return r.Coverage.MeanClassCovGap }),
		MaxGap:               field(func(r Record) float64 { return r.Coverage.MaxGap }),
		UndercovGap:          field(func(r Record) float64 { return r.Coverage.UndercovGap }),
		OvercovGap:           field(func(r Record) float64 { return r.Coverage.OvercovGap }),
		VeryUndercoveredFrac: field(func(r Record) float64 { return r.Coverage.VeryUndercoveredFrac }),
		MeanSetSize:          field(func(r Record) float64 { return r.SetSize.Mean }),
	}
}
