package voice

import (
	"encoding/binary"
	"testing"
)

func TestRMSLevelSilence(t *testing.T) {
	pcm := make([]byte, 640)
	if level := rmsLevel(pcm); level != 0 {
		t.Errorf("silence level = %v, want 0", level)
	}
}

func TestRMSLevelLoudSignal(t *testing.T) {
	pcm := make([]byte, 640)
	pos := int16(12000)
	neg := int16(-12000)
	for i := 0; i < len(pcm); i += 4 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(pos))
		binary.LittleEndian.PutUint16(pcm[i+2:], uint16(neg))
	}

	level := rmsLevel(pcm)
	if level <= 0.5 {
		t.Errorf("loud signal level = %v, want > 0.5", level)
	}
	if level > 1 {
		t.Errorf("level = %v, want clamped to 1", level)
	}
}

func TestRMSLevelShortBuffer(t *testing.T) {
	if level := rmsLevel([]byte{0x01}); level != 0 {
		t.Errorf("short buffer level = %v, want 0", level)
	}
}
