//go:build !onnx

package main

import (
	"errors"

	"github.com/becomeliminal/nim-avatar/config"
	"github.com/becomeliminal/nim-avatar/memory"
)

func newONNXEmbedder(config.EmbeddingConfig) (memory.Embedder, error) {
	return nil, errors.New("onnx support not compiled in, rebuild with -tags onnx")
}
