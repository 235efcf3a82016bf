// Package conformal calibrates class-conditional conformal prediction sets.
//
// A Calibrator turns the true-class nonconformity scores of a calibration
// Dataset into a Threshold. PredictionSets applies a Threshold to new score
// rows and returns, per row, the classes whose score does not exceed the
// class's resolved quantile.
//
// Three families are provided:
//
//   - StandardCalibrator: one quantile shared by all classes.
//   - ClasswiseCalibrator: one quantile per class, with a DefaultPolicy for
//     classes that have too few scores and optional shrinkage toward the
//     standard quantile.
//   - ClusteredCalibrator: classes are grouped by ClassClusterer and share a
//     quantile per cluster. Rare classes fall back to the standard quantile.
//
// Each family has an exact-coverage variant that stores a randomized
// threshold pair per class. PredictionSets draws the inclusion decisions from
// a seed kept in the Threshold, so replaying a Threshold gives the same sets.
//
// Method enumerates the named strategies used by experiment runs:
//
//	m, err := conformal.ParseMethod("cluster_random")
//	if err != nil {
//		return err
//	}
//	cal, err := m.Calibrator(conformal.DefaultClusterOptions())
//	if err != nil {
//		return err
//	}
//	th, err := cal.Calibrate(calData, 0.1, rng)
//	if err != nil {
//		return err
//	}
//	sets, err := conformal.PredictionSets(valData.Scores, th)
package conformal
