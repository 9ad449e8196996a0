//go:build onnx

package main

import (
	"github.com/becomeliminal/nim-avatar/config"
	"github.com/becomeliminal/nim-avatar/memory"
	"github.com/becomeliminal/nim-avatar/memory/embedder/onnx"
)

func newONNXEmbedder(c config.EmbeddingConfig) (memory.Embedder, error) {
	return onnx.New(onnx.Config{
		SharedLibraryPath: c.ONNXLibrary,
		ModelPath:         c.ONNXModel,
		TokenizerPath:     c.ONNXTokenizer,
		Dimensions:        c.Dimensions,
	})
}
