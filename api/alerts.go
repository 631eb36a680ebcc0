package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// getAlerts scans the caller's board for deadline alerts. The scan is on
// demand and carries no dedupe state; reloading the page re-reports anything
// still due.
func getAlerts(store Store, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id, err := auth.IdentityFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		today := domain.DateOf(time.Now().UTC())
		if raw := c.QueryParam("today"); raw != "" {
			parsed, parseErr := time.Parse(domain.DateLayout, raw)
			if parseErr != nil {
				return c.String(http.StatusBadRequest, "invalid today parameter")
			}
			today = domain.DateOf(parsed)
		}

		tasks, err := store.LoadTasks(ctx, id.UserID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		alerts := domain.ScanDeadlines(tasks, today)
		if alerts == nil {
			alerts = []domain.Alert{}
		}
		return c.JSON(http.StatusOK, alertsResponse{Alerts: alerts})
	}
}

// RedisAlertDeduper stores pushed alert keys in Redis so all instances skip
// alerts a board already received during the dedupe window.
type RedisAlertDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisAlertDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisAlertDeduper(client *redis.Client, ttl time.Duration) *RedisAlertDeduper {
	return &RedisAlertDeduper{client: client, ttl: ttl}
}

func (r *RedisAlertDeduper) key(boardID, key string) string {
	return fmt.Sprintf("alerts:%s:%s", boardID, key)
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisAlertDeduper) Add(ctx context.Context, boardID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(boardID, key), 1, r.ttl).Result()
}

// Remove deletes a previously recorded key. It is used when delivery fails so
// the next rescan may retry the alert.
func (r *RedisAlertDeduper) Remove(ctx context.Context, boardID, key string) error {
	return r.client.Del(ctx, r.key(boardID, key)).Err()
}

// AddMany attempts to add the provided keys in a single Redis pipeline and
// returns a boolean slice indicating which keys were newly recorded. When an
// error occurs, the slice contains the results for commands processed before
// the failure so callers may roll back any successful additions.
func (r *RedisAlertDeduper) AddMany(ctx context.Context, boardID string, keys []string) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	results := make([]bool, len(keys))
	cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.SetNX(ctx, r.key(boardID, key), 1, r.ttl)
		}
		return nil
	})
	if err != nil {
		return results, err
	}
	if len(cmds) != len(keys) {
		return results, fmt.Errorf("deduper pipeline mismatch: expected %d results, got %d", len(keys), len(cmds))
	}
	for i, cmd := range cmds {
		boolCmd, ok := cmd.(*redis.BoolCmd)
		if !ok {
			return results, fmt.Errorf("unexpected redis response type %T", cmd)
		}
		val, cmdErr := boolCmd.Result()
		if cmdErr != nil {
			return results, cmdErr
		}
		results[i] = val
	}
	return results, nil
}

// Rescanner periodically rescans boards with connected stream clients and
// pushes newly due deadline alerts.
type Rescanner struct {
	store  Store
	broker *Broker
	pub    Publisher
	dedupe AlertDeduper
	logger *log.Logger

	now func() time.Time
}

// NewRescanner creates a rescanner. Alerts go out through pub so every
// instance's stream clients receive them.
func NewRescanner(store Store, broker *Broker, pub Publisher, dedupe AlertDeduper, logger *log.Logger) *Rescanner {
	return &Rescanner{
		store:  store,
		broker: broker,
		pub:    pub,
		dedupe: dedupe,
		logger: logger,
		now:    time.Now,
	}
}

// Run rescans on the given interval until ctx is canceled.
func (r *Rescanner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.rescan(ctx)
		}
	}
}

// rescan walks every board that has at least one stream subscriber. Boards
// nobody is watching have nobody to alert.
func (r *Rescanner) rescan(ctx context.Context) {
	today := domain.DateOf(r.now().UTC())
	for _, boardID := range r.broker.boards() {
		tasks, err := r.store.LoadTasks(ctx, boardID)
		if err != nil {
			r.logger.WithError(err).WithField("board", boardID).Error("alert rescan: load board")
			continue
		}
		alerts := domain.ScanDeadlines(tasks, today)
		if len(alerts) == 0 {
			continue
		}

		keys := make([]string, len(alerts))
		for i, a := range alerts {
			keys[i] = a.Key()
		}
		fresh, err := r.dedupe.AddMany(ctx, boardID, keys)
		if err != nil {
			for i, added := range fresh {
				if added {
					_ = r.dedupe.Remove(ctx, boardID, keys[i])
				}
			}
			r.logger.WithError(err).WithField("board", boardID).Error("alert rescan: dedupe")
			continue
		}

		for i := range alerts {
			if !fresh[i] {
				continue
			}
			alert := alerts[i]
			msg := UpdateMessage{BoardID: boardID, Event: updateEventAlert, Alert: &alert}
			if err := r.pub.PublishUpdate(ctx, msg); err != nil {
				r.logger.WithError(err).WithField("board", boardID).Error("alert rescan: publish")
				if remErr := r.dedupe.Remove(ctx, boardID, alert.Key()); remErr != nil {
					r.logger.WithError(remErr).Error("alert rescan: rollback dedupe key")
				}
			}
		}
	}
}
