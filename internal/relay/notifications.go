package relay

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gg-glitch-88/desklink/internal/notifications"
	"github.com/gg-glitch-88/desklink/internal/protocol"
)

// DefaultIgnoredApps are system packages whose notifications are never
// relayed.
var DefaultIgnoredApps = []string{"android", "com.android.systemui"}

const untitled = "No Title"

// Delivery reports what Posted did with a notification.
type Delivery string

const (
	DeliveryIgnored Delivery = "ignored"
	DeliveryQueued  Delivery = "queued"
	DeliverySent    Delivery = "sent"
)

// Notifications records posted notifications and forwards them while the
// link is up. Records that could not be sent stay queued; the connection
// manager flushes them on the next connect.
type Notifications struct {
	repo    notifications.Repository
	link    NotificationLink
	toggles Toggles
	ignore  map[string]struct{}
	now     func() time.Time
	log     *zap.Logger
}

// NewNotifications builds the relay. A nil ignoreApps means
// DefaultIgnoredApps.
func NewNotifications(repo notifications.Repository, link NotificationLink, toggles Toggles, ignoreApps []string, log *zap.Logger) *Notifications {
	if ignoreApps == nil {
		ignoreApps = DefaultIgnoredApps
	}
	ignore := make(map[string]struct{}, len(ignoreApps))
	for _, app := range ignoreApps {
		ignore[strings.TrimSpace(app)] = struct{}{}
	}
	return &Notifications{
		repo:    repo,
		link:    link,
		toggles: toggles,
		ignore:  ignore,
		now:     time.Now,
		log:     orNop(log).Named("relay.notifications"),
	}
}

func (r *Notifications) ignored(app string) bool {
	_, ok := r.ignore[app]
	return ok
}

// Posted stores n and sends it when notifications are enabled and the link
// is connected. A failed send is not an error; the record stays queued.
func (r *Notifications) Posted(n protocol.Notification) (Delivery, error) {
	if r.ignored(n.App) {
		r.log.Debug("ignoring system notification", zap.String("app", n.App))
		return DeliveryIgnored, nil
	}
	if strings.TrimSpace(n.Title) == "" {
		n.Title = untitled
	}
	if n.Timestamp == 0 {
		n.Timestamp = r.now().UnixMilli()
	}
	if err := r.repo.Add(n); err != nil {
		return "", err
	}
	r.log.Debug("notification posted", zap.String("key", n.Key), zap.String("app", n.App))

	if !r.toggles.NotificationsEnabled() {
		return DeliveryQueued, nil
	}
	msg, err := protocol.EncodeNotification(n)
	if err != nil {
		return "", err
	}
	d := DeliveryQueued
	r.link.Exclusive(func() { d = r.deliver(n.Key, msg) })
	return d, nil
}

// deliver sends msg for key unless a flush already has. It runs inside
// Exclusive.
func (r *Notifications) deliver(key, msg string) Delivery {
	if !r.link.IsConnected() {
		return DeliveryQueued
	}
	pending, err := r.pending(key)
	if err != nil {
		r.log.Warn("notification queued: lookup failed", zap.String("key", key), zap.Error(err))
		return DeliveryQueued
	}
	if !pending {
		return DeliverySent
	}
	if err := r.link.Send(msg); err != nil {
		r.log.Warn("notification queued: send failed", zap.String("key", key), zap.Error(err))
		return DeliveryQueued
	}
	if err := r.repo.MarkSent(key); err != nil {
		r.log.Warn("mark sent", zap.String("key", key), zap.Error(err))
	}
	return DeliverySent
}

func (r *Notifications) pending(key string) (bool, error) {
	unsent, err := r.repo.Unsent()
	if err != nil {
		return false, err
	}
	for _, rec := range unsent {
		if rec.Key == key {
			return true, nil
		}
	}
	return false, nil
}

// Removed drops the record for key and tells the desktop. It reports
// whether a record existed. The removal message is best effort.
func (r *Notifications) Removed(key, app string) (bool, error) {
	if r.ignored(app) {
		return false, nil
	}
	existed, err := r.repo.Remove(key)
	if err != nil {
		return false, err
	}
	msg, err := protocol.EncodeNotificationRemoved(key)
	if err != nil {
		return existed, err
	}
	if err := r.link.Send(msg); err != nil {
		r.log.Debug("removal not sent", zap.String("key", key), zap.Error(err))
	}
	return existed, nil
}

// Sync replays the currently active notifications, as when the listener
// first attaches. It returns how many were sent.
func (r *Notifications) Sync(active []protocol.Notification) (int, error) {
	sent := 0
	for _, n := range active {
		d, err := r.Posted(n)
		if err != nil {
			return sent, err
		}
		if d == DeliverySent {
			sent++
		}
	}
	return sent, nil
}

// All lists every stored record, oldest first.
func (r *Notifications) All() ([]notifications.Record, error) { return r.repo.All() }

// Clear deletes the whole history.
func (r *Notifications) Clear() error { return r.repo.Clear() }
