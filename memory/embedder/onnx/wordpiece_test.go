//go:build onnx

package onnx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTokenizer(t *testing.T) *wordPiece {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	vocab := `{"model":{"vocab":{"[PAD]":0,"[UNK]":100,"[CLS]":101,"[SEP]":102,
		"hello":7592,"world":2088,"play":2377,"##ing":2075,"!":999}}}`
	require.NoError(t, os.WriteFile(path, []byte(vocab), 0o600))

	tok, err := loadWordPiece(path)
	require.NoError(t, err)
	return tok
}

func TestWordPiece_Encode(t *testing.T) {
	tok := testTokenizer(t)

	ids, mask := tok.encode("Hello, world! Playing xyz", 10)
	// [CLS] hello [UNK](,) world ! play ##ing [UNK](xyz) [SEP] pad
	assert.Equal(t, []int64{101, 7592, 100, 2088, 999, 2377, 2075, 100, 102, 0}, ids)
	assert.Equal(t, []int64{1, 1, 1, 1, 1, 1, 1, 1, 1, 0}, mask)
}

func TestWordPiece_Truncates(t *testing.T) {
	tok := testTokenizer(t)

	ids, mask := tok.encode("hello hello hello hello", 4)
	assert.Equal(t, []int64{101, 7592, 7592, 102}, ids)
	assert.Equal(t, []int64{1, 1, 1, 1}, mask)
}
