// Command coverbake compiles a YAML level description into a baked cover
// file that coverd loads with -bake.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"covercraft.ai/internal/persistence/bake"
	"covercraft.ai/internal/sim/cover"
)

type levelDoc struct {
	Level    string              `yaml:"level"`
	Surfaces []cover.SurfaceDesc `yaml:"surfaces"`
}

func main() {
	var (
		in    = flag.String("in", "", "level yaml")
		out   = flag.String("out", "", "output bake file (default: <in without ext>.cover.zst)")
		level = flag.String("level", "", "level name (overrides the yaml)")
	)
	flag.Parse()

	logger := logrus.NewEntry(logrus.StandardLogger()).WithField("service", "coverbake")
	if *in == "" {
		fmt.Fprintln(os.Stderr, "usage: coverbake -in level.yaml [-out level.cover.zst] [-level name]")
		os.Exit(2)
	}
	if *out == "" {
		*out = strings.TrimSuffix(*in, filepath.Ext(*in)) + ".cover.zst"
	}

	f, err := os.Open(*in)
	if err != nil {
		logger.WithError(err).Fatal("open level")
	}
	file, err := loadLevel(f)
	_ = f.Close()
	if err != nil {
		logger.WithError(err).WithField("in", *in).Fatal("parse level")
	}
	if *level != "" {
		file.Header.Level = *level
	}
	if err := check(file); err != nil {
		logger.WithError(err).Fatal("invalid level")
	}
	if err := bake.Write(*out, file); err != nil {
		logger.WithError(err).Fatal("write bake")
	}
	logger.WithFields(logrus.Fields{
		"level":    file.Header.Level,
		"surfaces": len(file.Surfaces),
		"out":      *out,
	}).Info("baked")
}

func loadLevel(r io.Reader) (bake.File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc levelDoc
	if err := dec.Decode(&doc); err != nil {
		return bake.File{}, err
	}
	if len(doc.Surfaces) == 0 {
		return bake.File{}, fmt.Errorf("no surfaces")
	}
	return bake.File{Header: bake.Header{Level: doc.Level}, Surfaces: doc.Surfaces}, nil
}

// check registers every surface in a scratch system so a bad sample list
// fails here rather than at server startup.
func check(f bake.File) error {
	sys := cover.NewSystem(cover.DefaultConfig(), nil)
	for i, desc := range f.Surfaces {
		if _, err := sys.AddSurface(desc); err != nil {
			return fmt.Errorf("surface %d: %w", i, err)
		}
	}
	return nil
}
