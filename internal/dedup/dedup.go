// Package dedup holds the two Redis-backed duplicate guards: per-chat
// delivery reservations and per-item sent markers.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reservations grants short-lived exclusive delivery rights on a chat.
// The reservation expires on its own, so an owner that dies mid-delivery
// never wedges the chat.
type Reservations struct {
	client *redis.Client
	ttl    time.Duration
}

// NewReservations creates the reservation guard. ttl bounds how long a
// single batch may hold a chat.
func NewReservations(client *redis.Client, ttl time.Duration) *Reservations {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Reservations{client: client, ttl: ttl}
}

func reservationKey(companyID, chatID string) string {
	return fmt.Sprintf("campres:%s:%s", companyID, chatID)
}

// Acquire claims the chat for owner. Returns false when another owner
// already holds a live reservation.
func (r *Reservations) Acquire(ctx context.Context, companyID, chatID, owner string) (bool, error) {
	ok, err := r.client.SetNX(ctx, reservationKey(companyID, chatID), owner, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve chat %s: %w", chatID, err)
	}
	return ok, nil
}

// Release frees the chat if owner still holds it. A reservation taken
// over by someone else after expiry is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *Reservations) Release(ctx context.Context, companyID, chatID, owner string) error {
	err := releaseScript.Run(ctx, r.client,
		[]string{reservationKey(companyID, chatID)}, owner).Err()
	if err != nil {
		return fmt.Errorf("release chat %s: %w", chatID, err)
	}
	return nil
}

// Markers records which items were already delivered, so a replayed or
// duplicated job skips them instead of re-sending.
type Markers struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewMarkers creates the sent-marker store. ttl should comfortably outlive
// the longest plausible replay window.
func NewMarkers(client *redis.Client, ttl time.Duration) *Markers {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &Markers{client: client, ttl: ttl, now: time.Now}
}

// MarkerID identifies one item delivery within one calendar day. The
// content hash ties the marker to what was actually sent, so an edited
// item is delivered again.
func (m *Markers) MarkerID(itemIndex int, content string) string {
	sum := sha256.Sum256([]byte(content))
	date := m.now().Format("2006-01-02")
	return fmt.Sprintf("%s_%d_%s", date, itemIndex, hex.EncodeToString(sum[:8]))
}

func markerKey(companyID, messageID, markerID string) string {
	return fmt.Sprintf("campdedup:%s:%s:%s", companyID, messageID, markerID)
}

// MarkSent records the marker.
func (m *Markers) MarkSent(ctx context.Context, companyID, messageID, markerID string) error {
	err := m.client.Set(ctx, markerKey(companyID, messageID, markerID), "1", m.ttl).Err()
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", markerID, err)
	}
	return nil
}

// AlreadySent reports whether the marker exists.
func (m *Markers) AlreadySent(ctx context.Context, companyID, messageID, markerID string) (bool, error) {
	n, err := m.client.Exists(ctx, markerKey(companyID, messageID, markerID)).Result()
	if err != nil {
		return false, fmt.Errorf("check sent %s: %w", markerID, err)
	}
	return n == 1, nil
}
