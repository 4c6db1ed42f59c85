// SPDX-License-Identifier: MIT
// Copyright (c) 2026 discover-Austin

// Command moetrain trains a Mixture-of-Experts regression model on the
// synthetic sin+cos dataset and reports per-epoch losses and expert
// utilization. It is the orchestration layer around the moe package: all
// epoch/batch sequencing, logging, and reporting lives here, none of it in
// the core.
package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"

	"github.com/spf13/cobra"

	moe "github.com/discover-Austin/Neural-Network-Mixture-of-Experts"
	"github.com/discover-Austin/Neural-Network-Mixture-of-Experts/dataset"
)

type trainOptions struct {
	epochs       int
	batchSize    int
	trainSamples int
	valSamples   int
	seed         int64
	logEvery     int

	inputDim        int
	hiddenDims      []int
	outputDim       int
	numExperts      int
	gatingHiddenDim int

	lr              float64
	loadBalanceCoef float64
	gradClip        float64
}

func main() {
	opts := trainOptions{}

	root := &cobra.Command{
		Use:          "moetrain",
		Short:        "Train a dense Mixture-of-Experts regressor on synthetic data",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	f := root.Flags()
	f.IntVar(&opts.epochs, "epochs", 50, "number of training epochs")
	f.IntVar(&opts.batchSize, "batch-size", 32, "mini-batch size")
	f.IntVar(&opts.trainSamples, "train-samples", 1000, "training set size")
	f.IntVar(&opts.valSamples, "val-samples", 200, "validation set size")
	f.Int64Var(&opts.seed, "seed", 42, "data generation and shuffle seed")
	f.IntVar(&opts.logEvery, "log-every", 5, "log progress every N epochs")
	f.IntVar(&opts.inputDim, "input-dim", 10, "input dimensionality")
	f.IntSliceVar(&opts.hiddenDims, "hidden", []int{64, 64}, "expert hidden layer widths")
	f.IntVar(&opts.outputDim, "output-dim", 1, "output dimensionality")
	f.IntVar(&opts.numExperts, "experts", 4, "number of experts")
	f.IntVar(&opts.gatingHiddenDim, "gating-hidden", 32, "gating network hidden width")
	f.Float64Var(&opts.lr, "lr", 1e-3, "Adam learning rate")
	f.Float64Var(&opts.loadBalanceCoef, "load-balance-coef", 0.1, "load-balance loss coefficient (0 disables)")
	f.Float64Var(&opts.gradClip, "grad-clip", 0, "global gradient norm clip (0 disables)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts trainOptions) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := moe.Config{
		InputDim:        opts.inputDim,
		HiddenDims:      opts.hiddenDims,
		OutputDim:       opts.outputDim,
		NumExperts:      opts.numExperts,
		GatingHiddenDim: opts.gatingHiddenDim,
	}
	model, err := moe.NewMixtureOfExperts(cfg)
	if err != nil {
		return err
	}

	adamCfg := moe.DefaultAdamConfig()
	adamCfg.LR = float32(opts.lr)
	opt := moe.NewAdam(model.Parameters(), adamCfg)

	trainer, err := moe.NewMoETrainer(model, opt, moe.MSELoss{}, float32(opts.loadBalanceCoef))
	if err != nil {
		return err
	}
	trainer.GradClip = float32(opts.gradClip)

	rng := rand.New(rand.NewSource(opts.seed))
	trainX, trainY := dataset.SinCos(opts.trainSamples, cfg.InputDim, rng)
	valX, valY := dataset.SinCos(opts.valSamples, cfg.InputDim, rng)

	trainLoader := dataset.NewLoader(trainX, trainY, opts.batchSize, true, opts.seed)
	valLoader := dataset.NewLoader(valX, valY, opts.batchSize, false, opts.seed)

	logger.Info("training",
		"experts", cfg.NumExperts,
		"params", cfg.NumParams(),
		"epochs", opts.epochs,
		"train_samples", opts.trainSamples,
		"val_samples", opts.valSamples)

	for epoch := 1; epoch <= opts.epochs; epoch++ {
		trainLoader.Reset()
		epochLoss := float32(0)
		batches := 0
		for {
			x, y, ok := trainLoader.Next()
			if !ok {
				break
			}
			losses, err := trainer.TrainStep(x, y)
			if err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
			epochLoss += losses.Total
			batches++
		}
		trainLoss := epochLoss / float32(batches)

		valLoss, err := trainer.Evaluate(valLoader)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}

		if epoch%opts.logEvery == 0 || epoch == opts.epochs {
			logger.Info("epoch",
				"epoch", epoch,
				"train_loss", fmt.Sprintf("%.4f", trainLoss),
				"val_loss", fmt.Sprintf("%.4f", valLoss),
				"utilization", formatRates(model.ExpertUtilizationRates()))
		}
	}

	return probe(logger, model, valX, 5)
}

// probe runs eval-mode inference on the first n validation samples and
// reports each sample's prediction and primary expert (argmax gate weight).
func probe(logger *slog.Logger, model *moe.MixtureOfExperts, valX *moe.Tensor, n int) error {
	if valX.Shape().At(0) < n {
		n = valX.Shape().At(0)
	}
	inDim := valX.Shape().At(1)
	rows := moe.FromSlice(valX.DataPtr()[:n*inDim], moe.NewShape(n, inDim))

	model.SetTraining(false)
	preds, err := model.Forward(rows)
	if err != nil {
		return err
	}
	gates, err := model.Gate(rows)
	if err != nil {
		return err
	}

	e := model.NumExperts()
	gData := gates.DataPtr()
	for i := 0; i < n; i++ {
		primary := moe.Argmax(gData[i*e : (i+1)*e])
		logger.Info("inference",
			"sample", i,
			"prediction", fmt.Sprintf("%.4f", preds.At(i, 0)),
			"primary_expert", primary)
	}
	return nil
}

func formatRates(rates []float32) string {
	s := "["
	for i, r := range rates {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%.3f", r)
	}
	return s + "]"
}
