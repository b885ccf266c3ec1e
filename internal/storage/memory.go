// internal/storage/memory.go
package storage

import (
	"sync"
	"time"

	"iot-trust-gateway/internal/data"
)

const (
	maxBufferSize     = 100 // Store last 100 accepted readings
	maxSnapshotAlerts = 50
)

// SecurityStatus is the trust state of the snapshot.
type SecurityStatus struct {
	IsAuthenticated       bool           `json:"is_authenticated"`
	LastVerifiedTimestamp float64        `json:"last_verified_timestamp"`
	MessageIntegrity      data.Integrity `json:"message_integrity"`
}

// Snapshot is the latest reading shown to operators, with its trust level.
type Snapshot struct {
	Temperature    float64        `json:"temperature"`
	Humidity       float64        `json:"humidity"`
	SoilMoisture   int            `json:"soil_moisture"`
	DeviceID       string         `json:"device_id"`
	Timestamp      float64        `json:"timestamp"`
	Source         string         `json:"source"`
	Alerts         []data.Alert   `json:"alerts"`
	SecurityStatus SecurityStatus `json:"security_status"`
}

type MemoryStore struct {
	mu       sync.RWMutex
	buffer   []data.Reading
	capacity int
	latest   Snapshot
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreSize(maxBufferSize)
}

// NewMemoryStoreSize creates a store keeping the last capacity readings.
func NewMemoryStoreSize(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = maxBufferSize
	}
	return &MemoryStore{
		buffer:   make([]data.Reading, 0, capacity),
		capacity: capacity,
		latest: Snapshot{
			Alerts:         []data.Alert{},
			SecurityStatus: SecurityStatus{MessageIntegrity: data.IntegrityUnknown},
		},
	}
}

func (s *MemoryStore) Add(r data.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) >= s.capacity {
		// Remove the oldest element
		s.buffer = s.buffer[1:]
	}
	s.buffer = append(s.buffer, r)
}

func (s *MemoryStore) GetRecent(count int) []data.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if count <= 0 || count > len(s.buffer) {
		count = len(s.buffer)
	}
	// Return a copy to avoid race conditions if the caller modifies it
	result := make([]data.Reading, count)
	copy(result, s.buffer[len(s.buffer)-count:])
	return result
}

func (s *MemoryStore) GetAll() []data.Reading {
	return s.GetRecent(0)
}

// UpdateSnapshot replaces the latest reading. Once authenticated data has
// been shown, unverified data no longer replaces it until a reset.
func (s *MemoryStore) UpdateSnapshot(r data.Reading, integrity data.Integrity, source string, alerts []data.Alert, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	verified := integrity == data.IntegrityVerified
	if !verified && s.latest.SecurityStatus.IsAuthenticated {
		return false
	}
	if alerts == nil {
		alerts = []data.Alert{}
	}
	status := SecurityStatus{MessageIntegrity: integrity}
	if verified {
		status.IsAuthenticated = true
		status.LastVerifiedTimestamp = data.Seconds(at)
	}
	s.latest = Snapshot{
		Temperature:    r.Temperature,
		Humidity:       r.Humidity,
		SoilMoisture:   r.SoilMoisture,
		DeviceID:       r.DeviceID,
		Timestamp:      r.Timestamp,
		Source:         source,
		Alerts:         alerts,
		SecurityStatus: status,
	}
	return true
}

// FlagRejected records a rejected message: the integrity changes and alert is
// appended, the reading itself stays.
func (s *MemoryStore) FlagRejected(integrity data.Integrity, alert data.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest.SecurityStatus.MessageIntegrity = integrity
	s.latest.Alerts = append(s.latest.Alerts, alert)
	if n := len(s.latest.Alerts); n > maxSnapshotAlerts {
		s.latest.Alerts = s.latest.Alerts[n-maxSnapshotAlerts:]
	}
}

// ResetSecurity clears the authenticated flag so any source may update again.
func (s *MemoryStore) ResetSecurity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest.SecurityStatus = SecurityStatus{MessageIntegrity: data.IntegrityReset}
}

// Latest returns a copy of the snapshot.
func (s *MemoryStore) Latest() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.latest
	out.Alerts = append([]data.Alert{}, s.latest.Alerts...)
	return out
}
