package main

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/halilibrahimkanpak/eeval/config"
	"github.com/halilibrahimkanpak/eeval/im2col"
	"github.com/halilibrahimkanpak/eeval/models"
)

// Geometry of the random parameters, sized for 28x28 images and 10 classes.
const (
	imageSide  = 28
	kernelSide = 7
	stride     = 3
	channels   = 4
	classes    = 10
)

// randomParameters builds parameters of the right shape for each built-in model.
var randomParameters = map[string]func(rng *rand.Rand) interface{}{
	"fc": func(rng *rand.Rand) interface{} {
		return models.RandomFC(rng, imageSide*imageSide, 128, 64, classes)
	},
	"linear": func(rng *rand.Rand) interface{} {
		return models.RandomLayer(rng, imageSide*imageSide, classes, 0.1)
	},
	"sequential": func(rng *rand.Rand) interface{} {
		hidden := models.RandomLayer(rng, imageSide*imageSide, 32, 0.1)
		hidden.Activation = models.Polynomial
		hidden.Coefficients = []float64{0.5, 0.197, 0, -0.004}
		out := models.RandomLayer(rng, 32, classes, 0.1)
		out.Activation = models.Identity
		return models.SequentialParameters{Layers: []models.Layer{hidden, out}}
	},
	"conv": func(rng *rand.Rand) interface{} {
		r, c := im2col.Windows(imageSide, imageSide, kernelSide, stride)
		return models.RandomConv(rng, kernelSide*kernelSide, r*c, channels, 64, classes)
	},
}

func registerModels(reg *models.Registry, cfg config.Server, opts options, log *logrus.Logger) error {
	factories := make(map[string]models.Factory)
	for _, f := range models.Builtins() {
		factories[f.Name()] = f
	}
	rng := rand.New(rand.NewSource(opts.seed))

	for _, m := range cfg.Models {
		f, ok := factories[m.Name]
		if !ok {
			return fmt.Errorf("unknown model %q", m.Name)
		}
		var regOpts []models.RegisterOption
		if m.DefaultVersion != "" {
			regOpts = append(regOpts, models.WithDefaultVersion(m.DefaultVersion))
		}
		dir := cfg.DataDir
		if m.DataDir != "" {
			dir = m.DataDir
			regOpts = append(regOpts, models.WithDataDir(dir))
		}
		if err := reg.Register(f, m.Versions, regOpts...); err != nil {
			return err
		}
		if !opts.randomParams {
			continue
		}
		for _, version := range m.Versions {
			path := filepath.Join(dir, models.ParametersFile(m.Name, version))
			if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err := models.WriteParameters(dir, m.Name, version, randomParameters[m.Name](rng)); err != nil {
				return err
			}
			log.WithFields(logrus.Fields{"model": m.Name, "version": version, "path": path}).Info("wrote random parameters")
		}
	}
	return nil
}
