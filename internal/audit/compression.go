package audit

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/FairForge/drcore/internal/replication"
	"github.com/klauspost/compress/zstd"
)

// snapshotCodec stores replication snapshots as zstd-compressed JSON
type snapshotCodec struct {
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
	encoderOnce sync.Once
	decoderOnce sync.Once
	encoderErr  error
	decoderErr  error
}

func (c *snapshotCodec) getEncoder() (*zstd.Encoder, error) {
	c.encoderOnce.Do(func() {
		c.encoder, c.encoderErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
	})
	return c.encoder, c.encoderErr
}

func (c *snapshotCodec) getDecoder() (*zstd.Decoder, error) {
	c.decoderOnce.Do(func() {
		c.decoder, c.decoderErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(64*1024*1024),
		)
	})
	return c.decoder, c.decoderErr
}

func (c *snapshotCodec) Encode(snapshot replication.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	encoder, err := c.getEncoder()
	if err != nil {
		return nil, fmt.Errorf("failed to get encoder: %w", err)
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (c *snapshotCodec) Decode(data []byte) (replication.Snapshot, error) {
	var snapshot replication.Snapshot
	if len(data) == 0 {
		return snapshot, nil
	}
	decoder, err := c.getDecoder()
	if err != nil {
		return snapshot, fmt.Errorf("failed to get decoder: %w", err)
	}
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return snapshot, fmt.Errorf("decompress snapshot: %w", err)
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return snapshot, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snapshot, nil
}
