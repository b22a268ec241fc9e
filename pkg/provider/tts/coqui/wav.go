package coqui

import (
	"encoding/binary"
	"errors"
)

// unknownSize marks a RIFF or data length as open-ended. Streaming decoders
// read until the connection ends.
const unknownSize = 0xFFFFFFFF

type wavInfo struct {
	DataOffset int
	SampleRate int
	Channels   int
}

// parseWAV walks the RIFF chunks of wav and returns where the samples start
// along with the format from the "fmt " chunk.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 || string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: response is not a RIFF/WAVE file")
	}
	var info wavInfo
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		switch id {
		case "fmt ":
			if body+8 > len(wav) {
				return wavInfo{}, errors.New("coqui: truncated fmt chunk")
			}
			info.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
		case "data":
			if info.SampleRate == 0 {
				return wavInfo{}, errors.New("coqui: data chunk before fmt chunk")
			}
			info.DataOffset = body
			return info, nil
		}
		// Chunks are word aligned.
		off = body + size + size%2
	}
	return wavInfo{}, errors.New("coqui: WAV data chunk not found")
}

// openEndedHeader copies a WAV header with the RIFF and data sizes set to
// unknownSize, so later sentences can be appended as raw PCM.
func openEndedHeader(header []byte) []byte {
	h := append([]byte(nil), header...)
	binary.LittleEndian.PutUint32(h[4:8], unknownSize)
	binary.LittleEndian.PutUint32(h[len(h)-4:], unknownSize)
	return h
}
