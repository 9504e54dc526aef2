// Package fingerprint derives a device identity from the capability signals
// the widget reports at session start, and tracks device hashes across
// sessions for duplicate-respondent detection. A duplicate hash is a quality
// signal, never enforced uniqueness.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
)

// RawSignals is the widget's fingerprint payload. Any sub-signal may be
// absent: a blocked canvas or missing AudioContext degrades to an empty
// field rather than failing the whole fingerprint.
type RawSignals struct {
	CanvasHash          string  `json:"canvasHash,omitempty"`
	WebGLHash           string  `json:"webglHash,omitempty"`
	AudioHash           string  `json:"audioHash,omitempty"`
	DeviceMemory        float64 `json:"deviceMemory,omitempty"`
	HardwareConcurrency int     `json:"hardwareConcurrency,omitempty"`
	ScreenResolution    string  `json:"screenResolution,omitempty"`
	ColorDepth          int     `json:"colorDepth,omitempty"`
	Timezone            string  `json:"timezone,omitempty"`
	Language            string  `json:"language,omitempty"`
	Platform            string  `json:"platform,omitempty"`
}

// Fingerprint is the immutable per-session device identity. Computed once at
// session start; callers cache it rather than regenerating.
type Fingerprint struct {
	CanvasHash          string  `json:"canvasFingerprint,omitempty"`
	WebGLHash           string  `json:"webglFingerprint,omitempty"`
	AudioHash           string  `json:"audioFingerprint,omitempty"`
	DeviceMemory        float64 `json:"deviceMemory,omitempty"`
	HardwareConcurrency int     `json:"hardwareConcurrency,omitempty"`
	ScreenResolution    string  `json:"screenResolution,omitempty"`
	ColorDepth          int     `json:"colorDepth,omitempty"`
	Timezone            string  `json:"timezone,omitempty"`
	Language            string  `json:"language,omitempty"`
	Platform            string  `json:"platform,omitempty"`

	// DeviceID is the composite hash over all present sub-signals.
	DeviceID string `json:"deviceId"`
}

// New computes a fingerprint from raw signals. A payload with every field
// absent still yields a valid fingerprint; it just carries no
// duplicate-detection value (SignalCount reports 0).
func New(raw RawSignals) Fingerprint {
	fp := Fingerprint{
		CanvasHash:          raw.CanvasHash,
		WebGLHash:           raw.WebGLHash,
		AudioHash:           raw.AudioHash,
		DeviceMemory:        raw.DeviceMemory,
		HardwareConcurrency: raw.HardwareConcurrency,
		ScreenResolution:    raw.ScreenResolution,
		ColorDepth:          raw.ColorDepth,
		Timezone:            raw.Timezone,
		Language:            raw.Language,
		Platform:            raw.Platform,
	}

	components := []string{
		raw.CanvasHash,
		raw.WebGLHash,
		raw.AudioHash,
		strconv.FormatFloat(raw.DeviceMemory, 'f', -1, 64),
		strconv.Itoa(raw.HardwareConcurrency),
		raw.ScreenResolution,
		strconv.Itoa(raw.ColorDepth),
		raw.Timezone,
		raw.Language,
		raw.Platform,
	}
	sum := sha256.Sum256([]byte(strings.Join(components, "|")))
	fp.DeviceID = hex.EncodeToString(sum[:16])

	return fp
}

// SignalCount reports how many identity sub-signals are present. Zero means
// the fingerprint contributes nothing to duplicate detection.
func (f Fingerprint) SignalCount() int {
	n := 0
	for _, s := range []string{f.CanvasHash, f.WebGLHash, f.AudioHash, f.ScreenResolution, f.Timezone, f.Language, f.Platform} {
		if s != "" {
			n++
		}
	}
	if f.DeviceMemory > 0 {
		n++
	}
	if f.HardwareConcurrency > 0 {
		n++
	}
	if f.ColorDepth > 0 {
		n++
	}
	return n
}

type deviceData struct {
	uids map[string]bool
	ips  map[string]bool
}

// Store tracks which device hashes have been seen per project, and the
// device/IP cross-counts used as bot-farm signals.
type Store struct {
	mu        sync.RWMutex
	devices   map[string]*deviceData // projectID + ":" + deviceID
	ipDevices map[string]map[string]bool
}

// NewStore returns an empty fingerprint store.
func NewStore() *Store {
	return &Store{
		devices:   make(map[string]*deviceData),
		ipDevices: make(map[string]map[string]bool),
	}
}

// Record registers a device sighting and reports whether the same device had
// already been seen in the project under a different uid (the exact-match
// duplicate policy).
func (s *Store) Record(projectID, uid, deviceID, ip string) bool {
	if deviceID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := projectID + ":" + deviceID
	data, ok := s.devices[key]
	if !ok {
		data = &deviceData{uids: make(map[string]bool), ips: make(map[string]bool)}
		s.devices[key] = data
	}

	duplicate := false
	for prior := range data.uids {
		if prior != uid {
			duplicate = true
			break
		}
	}

	data.uids[uid] = true
	if ip != "" {
		data.ips[ip] = true
		if _, ok := s.ipDevices[ip]; !ok {
			s.ipDevices[ip] = make(map[string]bool)
		}
		s.ipDevices[ip][deviceID] = true
	}

	return duplicate
}

// DeviceIPCount reports from how many distinct IPs a device hash has been
// seen within a project.
func (s *Store) DeviceIPCount(projectID, deviceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if data, ok := s.devices[projectID+":"+deviceID]; ok {
		return len(data.ips)
	}
	return 0
}

// IPDeviceCount reports how many distinct device hashes one IP has produced.
func (s *Store) IPDeviceCount(ip string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if devices, ok := s.ipDevices[ip]; ok {
		return len(devices)
	}
	return 0
}
