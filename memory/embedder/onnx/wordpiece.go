//go:build onnx

package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// wordPiece is a lowercase BERT WordPiece tokenizer read from a Hugging Face
// tokenizer.json.
type wordPiece struct {
	vocab map[string]int64
	cls   int64
	sep   int64
	unk   int64
}

func loadWordPiece(path string) (*wordPiece, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	wp := &wordPiece{vocab: file.Model.Vocab}
	for name, dst := range map[string]*int64{"[CLS]": &wp.cls, "[SEP]": &wp.sep, "[UNK]": &wp.unk} {
		id, ok := wp.vocab[name]
		if !ok {
			return nil, fmt.Errorf("vocab has no %s token", name)
		}
		*dst = id
	}
	return wp, nil
}

// encode returns padded input ids and the attention mask, both of length
// maxSeq, framed by [CLS] and [SEP].
func (t *wordPiece) encode(text string, maxSeq int) (ids, mask []int64) {
	ids = make([]int64, maxSeq)
	mask = make([]int64, maxSeq)

	tokens := t.tokenize(text)
	if len(tokens) > maxSeq-2 {
		tokens = tokens[:maxSeq-2]
	}

	ids[0], mask[0] = t.cls, 1
	for i, id := range tokens {
		ids[i+1], mask[i+1] = id, 1
	}
	end := len(tokens) + 1
	ids[end], mask[end] = t.sep, 1
	return ids, mask
}

func (t *wordPiece) tokenize(text string) []int64 {
	var out []int64
	for _, word := range splitWords(strings.ToLower(text)) {
		out = append(out, t.pieces(word)...)
	}
	return out
}

// splitWords splits on whitespace and isolates punctuation, as BERT's basic
// tokenizer does.
func splitWords(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

// pieces greedily matches the longest vocabulary prefix, marking
// continuations with "##". A word with no full segmentation becomes [UNK].
func (t *wordPiece) pieces(word string) []int64 {
	if id, ok := t.vocab[word]; ok {
		return []int64{id}
	}

	var ids []int64
	for start := 0; start < len(word); {
		end := len(word)
		matched := false
		for end > start {
			sub := word[start:end]
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := t.vocab[sub]; ok {
				ids = append(ids, id)
				start = end
				matched = true
				break
			}
			end--
		}
		if !matched {
			return []int64{t.unk}
		}
	}
	return ids
}
