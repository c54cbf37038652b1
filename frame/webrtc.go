package frame

import (
	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

// WebRTCDetector classifies frames with the WebRTC voice-activity detector.
// Frames must be 10, 20 or 30 ms long.
type WebRTCDetector struct {
	vad        *webrtcvad.VAD
	sampleRate int
}

func NewWebRTCDetector(mode, sampleRate int) (*WebRTCDetector, error) {
	v, err := webrtcvad.New()
	if err != nil {
		return nil, err
	}
	if err := v.SetMode(mode); err != nil {
		return nil, err
	}
	return &WebRTCDetector{vad: v, sampleRate: sampleRate}, nil
}

// IsSpeech treats frames the detector rejects as silence.
func (d *WebRTCDetector) IsSpeech(pcm []byte) bool {
	active, err := d.vad.Process(d.sampleRate, pcm)
	if err != nil {
		return false
	}
	return active
}
