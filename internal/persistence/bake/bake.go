// Package bake reads and writes baked level cover: the static surfaces a
// level ships with, loaded once at startup.
package bake

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"covercraft.ai/internal/sim/cover"
)

const Version = 1

var ErrVersion = errors.New("unsupported bake version")

type Header struct {
	Version  int    `json:"version"`
	Level    string `json:"level"`
	Surfaces int    `json:"surfaces"`
}

type File struct {
	Header   Header              `json:"header"`
	Surfaces []cover.SurfaceDesc `json:"surfaces"`
}

//go:embed bake.schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("bake.schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("bake.schema.json")
	})
	return schema, schemaErr
}

// Encode writes f as a zstd stream: one JSON header line followed by the
// JSON body.
func Encode(w io.Writer, f File) error {
	f.Header.Version = Version
	f.Header.Surfaces = len(f.Surfaces)

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(f.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := json.NewEncoder(bw).Encode(f); err != nil {
		_ = enc.Close()
		return fmt.Errorf("json encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// Decode reads a stream written by Encode. The body is checked against the
// bake schema before it is unmarshalled.
func Decode(r io.Reader) (File, error) {
	var f File
	dec, err := zstd.NewReader(r)
	if err != nil {
		return f, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return f, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return f, fmt.Errorf("decode header: %w", err)
	}
	if h.Version != Version {
		return f, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return f, err
	}
	s, err := compiled()
	if err != nil {
		return f, fmt.Errorf("bake schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return f, fmt.Errorf("decode body: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return f, fmt.Errorf("validate: %w", err)
	}
	if err := json.Unmarshal(body, &f); err != nil {
		return f, fmt.Errorf("decode body: %w", err)
	}
	if f.Header.Surfaces != len(f.Surfaces) {
		return f, fmt.Errorf("header says %d surfaces, body has %d", f.Header.Surfaces, len(f.Surfaces))
	}
	return f, nil
}

func Write(path string, f File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Encode(out, f); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func Read(path string) (File, error) {
	in, err := os.Open(path)
	if err != nil {
		return File{}, err
	}
	defer in.Close()
	f, err := Decode(in)
	if err != nil {
		return f, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}
