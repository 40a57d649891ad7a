package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"

	"github.com/halilibrahimkanpak/eeval/he"
	"github.com/halilibrahimkanpak/eeval/registry"
	"github.com/halilibrahimkanpak/eeval/training"
	"github.com/halilibrahimkanpak/eeval/transport"
)

// RunConfig holds the parameters of a training run.
type RunConfig struct {
	Addr     string
	Local    bool
	Seed     int64
	Examples int
	Epochs   int
	Workers  int
	Verbose  bool
}

func main() {
	cfg := RunConfig{}
	flagSet := flag.NewFlagSet("train-lr", flag.ExitOnError)
	flagSet.StringVar(&cfg.Addr, "addr", "localhost:8000", "Server address")
	flagSet.BoolVar(&cfg.Local, "local", false, "Run the server side in-process")
	flagSet.Int64Var(&cfg.Seed, "seed", 73, "Random seed for the dataset")
	flagSet.IntVar(&cfg.Examples, "examples", 128, "Number of training examples (half as many test examples)")
	flagSet.IntVar(&cfg.Epochs, "epochs", 5, "Number of training rounds")
	flagSet.IntVar(&cfg.Workers, "workers", 4, "Training goroutines when running with -local")
	flagSet.BoolVar(&cfg.Verbose, "v", false, "Log every epoch")
	flagSet.Parse(os.Args[1:])

	if err := run(cfg); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg RunConfig) error {
	log := logrus.New()
	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	var server training.RoundServer
	if cfg.Local {
		store, err := registry.Open(registry.Options{Logger: log})
		if err != nil {
			return err
		}
		defer store.Close()
		server = &training.Local{Store: store, Trainer: training.NewTrainer(store, cfg.Workers, log)}
	} else {
		client, err := transport.Dial(cfg.Addr, 0)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.Ping(context.Background()); err != nil {
			return err
		}
		server = client
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	xTrain, yTrain, xTest, yTest := training.SeparableData(rng, cfg.Examples, 2)
	weights, bias := []float64{-1, 1}, 0.0

	fmt.Printf("Accuracy before training: train %.3f, test %.3f\n",
		training.Accuracy(weights, bias, xTrain, yTrain), training.Accuracy(weights, bias, xTest, yTest))

	start := time.Now()
	heCtx, err := he.NewContext(he.DefaultParameters, he.WithRelinearizationKey(), he.WithPowerOfTwoRotations())
	if err != nil {
		return err
	}
	fmt.Printf("Key generation: %v\n", time.Since(start))

	// Track how far the encrypted run drifts from the same steps done in the clear.
	plainW, plainB := weights, bias
	var drift, epochTimes []float64
	last := time.Now()
	res, err := training.Train(context.Background(), server, heCtx, xTrain, yTrain, weights, bias, training.Config{
		Epochs: cfg.Epochs,
		Logger: log,
		OnEpoch: func(epoch int, w []float64, b float64) {
			plainW, plainB = training.PlainStep(plainW, plainB, xTrain, yTrain)
			d := math.Abs(b - plainB)
			for j := range w {
				d = math.Max(d, math.Abs(w[j]-plainW[j]))
			}
			drift = append(drift, d)
			// The first epoch also pays for uploading the dataset.
			if epoch > 1 {
				epochTimes = append(epochTimes, time.Since(last).Seconds())
			}
			last = time.Now()
			fmt.Printf("Epoch %d: weights %.4f bias %.4f, test accuracy %.3f\n",
				epoch, w, b, training.Accuracy(w, b, xTest, yTest))
		},
	})
	if err != nil {
		return err
	}

	fmt.Printf("Accuracy after training: train %.3f, test %.3f\n",
		training.Accuracy(res.Weights, res.Bias, xTrain, yTrain), training.Accuracy(res.Weights, res.Bias, xTest, yTest))
	fmt.Printf("Dataset %s registered under context %s\n", res.DatasetID, res.ContextID)
	return summarize(res.Timing, epochTimes, drift)
}

func summarize(timing training.TimingMetrics, epochTimes, drift []float64) error {
	fmt.Println("\nTiming:")
	fmt.Printf("  encrypt %v, upload %v, rounds %v, decrypt %v\n",
		timing.EncryptTime, timing.UploadTime, timing.RoundTime, timing.DecryptTime)
	if len(epochTimes) > 0 {
		meanEpoch, err := stats.Mean(epochTimes)
		if err != nil {
			return err
		}
		sdEpoch, err := stats.StandardDeviation(epochTimes)
		if err != nil {
			return err
		}
		fmt.Printf("  epoch %.2fs ± %.2fs\n", meanEpoch, sdEpoch)
	}

	maxDrift, err := stats.Max(drift)
	if err != nil {
		return err
	}
	medianDrift, err := stats.Median(drift)
	if err != nil {
		return err
	}

	fmt.Println("Precision against plaintext steps:")
	fmt.Printf("  max error %.2e, median %.2e (%.1f bits)\n", maxDrift, medianDrift, -math.Log2(maxDrift))
	return nil
}
