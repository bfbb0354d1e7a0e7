// Package testutil holds shared test fixtures.
package testutil

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// LoadJSON unmarshals testdata/<filename> into target.
func LoadJSON(filename string, target any) error {
	_, currentFile, _, _ := runtime.Caller(0)
	dir := filepath.Join(filepath.Dir(currentFile), "testdata")

	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode %s: %w", filename, err)
	}
	return nil
}

// Message is a topic record fixture. Value is text; ValueBase64 carries
// binary values and wins when set. Neither set means a tombstone.
type Message struct {
	Partition   int32             `json:"partition"`
	Key         string            `json:"key"`
	Value       *string           `json:"value"`
	ValueBase64 string            `json:"valueBase64,omitempty"`
	Timestamp   int64             `json:"timestamp"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Bytes returns the raw value, nil for a tombstone.
func (m Message) Bytes() ([]byte, error) {
	if m.ValueBase64 != "" {
		return base64.StdEncoding.DecodeString(m.ValueBase64)
	}
	if m.Value == nil {
		return nil, nil
	}
	return []byte(*m.Value), nil
}

func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Topic is a fixture of one topic.
type Topic struct {
	Name       string    `json:"name"`
	Partitions int       `json:"partitions"`
	Messages   []Message `json:"messages"`
}

// LoadTopic reads a topic fixture from testdata.
func LoadTopic(filename string) (Topic, error) {
	var t Topic
	if err := LoadJSON(filename, &t); err != nil {
		return Topic{}, err
	}
	return t, nil
}
