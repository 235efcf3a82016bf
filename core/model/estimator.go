package model

import "gonum.org/v1/gonum/mat"

// Estimator は学習状態を持つ推定器のインターフェース
type Estimator interface {
	IsFitted() bool
}

// WeightedFitter は重み付きサンプルで学習可能なモデルのインターフェース
type WeightedFitter interface {
	// Fit はXの各行をsampleWeightの重みで学習する。nilは全て1を意味する
	Fit(X mat.Matrix, sampleWeight []float64) error
}

// Clusterer はクラスタリング推定器のインターフェース
type Clusterer interface {
	Estimator
	WeightedFitter

	// Labels は学習データ各行のクラスタ番号（0始まり）を返す
	Labels() []int
}
