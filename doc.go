// Package conformalkit evaluates class-conditional conformal prediction for
// multi-class classifiers.
//
// Given stored softmax outputs, it computes nonconformity scores, splits the
// data into calibration and validation parts, calibrates per-class thresholds
// and measures how evenly each method covers the classes.
//
// # Features
//
// - Standard, classwise and clustered conformal calibration
// - Exact-coverage variants with replayable randomized thresholds
// - softmax, APS and RAPS conformity scores
// - Class and marginal coverage metrics with seed aggregation
// - Reproducible runs: every random draw comes from an explicit PCG stream
//
// # Installation
//
//	go get github.com/YuminosukeSato/conformal
//
// # Quick Start
//
//	package main
//
//	import (
//	    "fmt"
//	    "log"
//	    "math/rand/v2"
//
//	    "github.com/YuminosukeSato/conformal/conformal"
//	    "github.com/YuminosukeSato/conformal/preprocessing"
//	)
//
//	func main() {
//	    scores, err := preprocessing.NewScoreTransformer(preprocessing.Softmax).Transform(softmax)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    cal, _ := conformal.NewDataset(scores, labels)
//
//	    m := conformal.MethodClusterRandom
//	    c, _ := m.Calibrator(conformal.DefaultClusterOptions())
//	    th, err := c.Calibrate(cal, 0.1, rand.New(rand.NewPCG(0, 1)))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    sets, _ := conformal.PredictionSets(testScores, th)
//	    fmt.Println(sets[0])
//	}
//
// # Packages
//
//   - conformal: calibrators, thresholds, class clustering, prediction sets
//   - preprocessing: conformity scores and the rare-class filter
//   - sklearn/model_selection: calibration/validation splits
//   - sklearn/cluster: weighted Ward and k-means clustering
//   - metrics: coverage and set-size metrics, seed aggregation
//   - experiment: config, dataset loading, result store, run loop, telemetry
//   - core/model: estimator base types and artifact persistence
//   - pkg/errors, pkg/log: error types and structured logging
//
// # Command line
//
//	conformal run --config run.yaml
//	conformal aggregate --folder .cache/results/imagenet/random_calset/n_totalcal=10/score=APS
package conformalkit
