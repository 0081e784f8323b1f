package voice

import (
	"fmt"
	"time"

	"github.com/ent0n29/abel/internal/audio"
	"github.com/ent0n29/abel/internal/llm"
)

const mockSampleRate = 16000

// mockSynthesis returns silence roughly as long as text would take to say.
func mockSynthesis(text string) (Synthesis, error) {
	ms := 60 * len([]rune(text))
	if ms < 250 {
		ms = 250
	} else if ms > 5000 {
		ms = 5000
	}
	pcm := audio.Silence(time.Duration(ms)*time.Millisecond, mockSampleRate)
	wav, err := audio.EncodeWAVPCM16LE(pcm, mockSampleRate)
	if err != nil {
		return Synthesis{}, fmt.Errorf("encode mock audio: %w", err)
	}
	return Synthesis{Audio: wav, ContentType: "audio/wav", Mock: true}, nil
}

func mockTranscript() Transcript {
	return Transcript{
		Text: llm.MockMarker + " Speech recognition is not configured.",
		Mock: true,
	}
}
