package rtc

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

var (
	ErrInvalidSDP       = errors.New("rtc: invalid session description")
	ErrInvalidCandidate = errors.New("rtc: invalid candidate")
)

// ValidateSDP parses raw and requires at least one media section.
func ValidateSDP(raw string) (*sdp.SessionDescription, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSDP, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("%w: no media sections", ErrInvalidSDP)
	}
	return parsed, nil
}

// Candidate payloads are ICECandidateInit objects in JSON form.
func EncodeCandidate(c webrtc.ICECandidateInit) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeCandidate(payload string) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return c, fmt.Errorf("%w: %w", ErrInvalidCandidate, err)
	}
	if c.Candidate == "" {
		return c, fmt.Errorf("%w: empty candidate", ErrInvalidCandidate)
	}
	return c, nil
}
