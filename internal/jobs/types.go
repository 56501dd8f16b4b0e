package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// AttemptRecord is the persisted form of one build attempt.
type AttemptRecord struct {
	JobID         string        `json:"jobId" yaml:"jobId"`
	Number        int           `json:"number" yaml:"number"`
	State         string        `json:"state" yaml:"state"`
	ExitCode      int           `json:"exitCode" yaml:"exitCode"`
	MissingModule string        `json:"missingModule,omitempty" yaml:"missingModule,omitempty"`
	ArtifactPath  string        `json:"artifactPath,omitempty" yaml:"artifactPath,omitempty"`
	ErrorCode     string        `json:"errorCode,omitempty" yaml:"errorCode,omitempty"`
	Spec          string        `json:"spec,omitempty" yaml:"-"` // JSON-encoded BuildSpec
	Log           string        `json:"-" yaml:"-"`
	Duration      time.Duration `json:"duration" yaml:"duration"`
	CreatedAt     time.Time     `json:"createdAt" yaml:"createdAt"`
}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return encoder, decoder, codecErr
}

// compressLog zstd-compresses an attempt log.
func compressLog(log string) ([]byte, error) {
	if log == "" {
		return nil, nil
	}
	enc, _, err := codecs()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll([]byte(log), nil), nil
}

// decompressLog reverses compressLog.
func decompressLog(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	_, dec, err := codecs()
	if err != nil {
		return "", err
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return "", fmt.Errorf("corrupt attempt log: %w", err)
	}
	return string(out), nil
}
