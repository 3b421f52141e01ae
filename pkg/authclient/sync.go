package authclient

import (
	"github.com/aussiebroadwan/authclient/pkg/autherr"
	"github.com/aussiebroadwan/authclient/pkg/events"
	"github.com/aussiebroadwan/authclient/pkg/tokenstore"
)

// startSync follows bundle changes made through the medium by other
// processes. Mediums that cannot watch are a configuration error.
func (c *Client) startSync() error {
	watcher, ok := c.store.Medium().(tokenstore.Watcher)
	if !ok {
		return autherr.Configuration("storage type %q cannot be watched for changes", c.cfg.StorageType)
	}

	bundleKey := c.store.Key(tokenstore.KeyBundle)
	err := watcher.Watch(c.ctx, func(key string) {
		if key == bundleKey {
			c.syncFromStorage()
		}
	})
	if err != nil {
		return autherr.Storage(err, "failed to watch token storage")
	}

	c.logger.Debug("Following token storage changes", "key", bundleKey)
	return nil
}

// syncFromStorage reconciles the in-process view with the stored bundle and
// announces what another process did. Writes this process made itself are
// recognised by lastSeen and ignored.
func (c *Client) syncFromStorage() {
	b, err := c.store.Read(c.ctx)
	if err != nil {
		c.storageFailed("read", err)
		return
	}

	c.mu.Lock()
	last := c.lastSeen
	var tag events.Tag
	switch {
	case b == nil && last != "":
		tag = events.SignedOut
		c.lastSeen = ""
	case b != nil && last == "":
		tag = events.SignedIn
		c.lastSeen = b.AccessToken
	case b != nil && b.AccessToken != last:
		tag = events.TokenRefreshed
		c.lastSeen = b.AccessToken
	}
	c.mu.Unlock()

	switch tag {
	case "":
		return
	case events.SignedOut:
		c.sched.Stop()
		c.publish(events.Event{Tag: tag})
	default:
		c.armScheduler(b)
		c.publish(events.Event{Tag: tag, Session: c.sessionOf(b)})
	}

	c.logger.Info("Session changed by another process", "event", string(tag))
}
