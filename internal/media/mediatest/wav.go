// Package mediatest builds audio fixtures for tests.
package mediatest

import (
	"bytes"
	"encoding/binary"
)

const (
	sampleRate    = 16000
	channels      = 1
	bitsPerSample = 16
)

// WAV returns a silent 16 kHz mono PCM file lasting the given number of seconds.
func WAV(seconds float64) []byte {
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign
	dataSize := int(float64(byteRate) * seconds)
	dataSize -= dataSize % blockAlign

	var buf bytes.Buffer

	buf.WriteString("RIFF")
	writeLE(&buf, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	writeLE(&buf, uint32(16))
	writeLE(&buf, uint16(1))
	writeLE(&buf, uint16(channels))
	writeLE(&buf, uint32(sampleRate))
	writeLE(&buf, uint32(byteRate))
	writeLE(&buf, uint16(blockAlign))
	writeLE(&buf, uint16(bitsPerSample))

	buf.WriteString("data")
	writeLE(&buf, uint32(dataSize))
	buf.Write(make([]byte, dataSize))

	return buf.Bytes()
}

func writeLE(buf *bytes.Buffer, value any) {
	// bytes.Buffer writes never fail.
	_ = binary.Write(buf, binary.LittleEndian, value)
}
