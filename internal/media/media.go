// Package media inspects synthesized audio: container detection, plausibility
// and duration.
package media

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/go-audio/wav"
)

// DefaultMinAudioBytes is the smallest payload accepted as real audio.
// Anything shorter is treated as a silent or corrupt synthesis.
const DefaultMinAudioBytes = 1024

// Content types produced by the provider.
const (
	ContentTypeWAV    = "audio/wav"
	ContentTypeMPEG   = "audio/mpeg"
	ContentTypeBinary = "application/octet-stream"
)

const (
	errFmtImplausibleAudio = "%w: got %d bytes, need at least %d"
	errFmtDecodeDuration   = "failed to decode wav duration: %w"
)

var (
	// ErrImplausibleAudio indicates a payload too small to be real audio.
	ErrImplausibleAudio = errors.New("implausibly small audio payload")
	// ErrUnsupportedContainer indicates a format whose duration cannot be read.
	ErrUnsupportedContainer = errors.New("unsupported audio container")
)

// CheckPlausible rejects payloads shorter than minBytes.
func CheckPlausible(data []byte, minBytes int) error {
	if minBytes <= 0 {
		minBytes = DefaultMinAudioBytes
	}

	if len(data) < minBytes {
		return fmt.Errorf(errFmtImplausibleAudio, ErrImplausibleAudio, len(data), minBytes)
	}

	return nil
}

// DetectContentType sniffs the audio container from its magic bytes.
func DetectContentType(data []byte) string {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return ContentTypeWAV
	case len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")):
		return ContentTypeMPEG
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return ContentTypeMPEG
	default:
		return ContentTypeBinary
	}
}

// Extension returns the file extension for a content type.
func Extension(contentType string) string {
	switch contentType {
	case ContentTypeWAV:
		return ".wav"
	case ContentTypeMPEG:
		return ".mp3"
	default:
		return ".bin"
	}
}

// DurationSeconds reads the playback length from the audio container.
// Only WAV is decoded; other containers return ErrUnsupportedContainer.
func DurationSeconds(data []byte) (float64, error) {
	if DetectContentType(data) != ContentTypeWAV {
		return 0, ErrUnsupportedContainer
	}

	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return 0, ErrUnsupportedContainer
	}

	err := decoder.FwdToPCM()
	if err != nil {
		return 0, fmt.Errorf(errFmtDecodeDuration, err)
	}

	bytesPerSecond := float64(decoder.AvgBytesPerSec)
	if bytesPerSecond == 0 {
		bytesPerSecond = float64(decoder.SampleRate) * float64(decoder.NumChans) * float64(decoder.BitDepth) / 8
	}

	if bytesPerSecond == 0 {
		return 0, ErrUnsupportedContainer
	}

	return float64(decoder.PCMSize) / bytesPerSecond, nil
}
