// Package memory keeps chat messages searchable by meaning.
//
// Messages are embedded and written to a namespaced vector index as they are
// created, edited and deleted. The Retriever embeds an incoming message and
// pulls the closest past messages of the same workspace into a context block
// for the response generator.
//
// Architecture:
//   - Index: vector storage backend (chromem-go embedded, or Weaviate)
//   - Embedder: text-to-vector conversion (OpenAI, Gemini, ONNX, mock)
//   - Synchronizer: schedules index writes off the message write path
//   - Retriever: best-effort retrieval; failures degrade to no context
package memory
