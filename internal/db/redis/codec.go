package redisdb

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"knowledgehub/internal/domain/knowledge"
)

func encodeDocument(doc knowledge.Document) ([]byte, error) {
	data, err := msgpack.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("encode document %d: %w", doc.ID, err)
	}
	return data, nil
}

func decodeDocument(data []byte) (*knowledge.Document, error) {
	var doc knowledge.Document
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &doc, nil
}
