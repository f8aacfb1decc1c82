// Package redisstore is the Redis-backed fast reservation store. Every
// mutation runs as a single Lua script so counters and reservation records
// change together or not at all.
//
// Layout:
//
//	inventory:{productId}     hash  total available reserved version
//	reservation:{id}          hash  reservation fields, expires retention after a terminal transition
//	reservations:expiry       zset  reservation id scored by expiry (unix ms)
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/inventory-saga/internal/inventory"
)

const expiryKey = "reservations:expiry"

type Store struct {
	client redis.UniversalClient
}

var _ inventory.Store = (*Store)(nil)

func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

func productKey(id string) string     { return "inventory:" + id }
func reservationKey(id string) string { return "reservation:" + id }

func (s *Store) InitProduct(ctx context.Context, productID string, total int) (*inventory.InventoryResource, error) {
	code, err := initScript.Run(ctx, s.client, []string{productKey(productID)}, total, productID).Int64()
	if err != nil {
		return nil, fmt.Errorf("redisstore: init %s: %w", productID, err)
	}
	if code == codeInvalidState {
		return nil, fmt.Errorf("%w: total %d below outstanding reservations of %s", inventory.ErrInvalidState, total, productID)
	}
	return s.Inventory(ctx, productID)
}

func (s *Store) Inventory(ctx context.Context, productID string) (*inventory.InventoryResource, error) {
	m, err := s.client.HGetAll(ctx, productKey(productID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: read %s: %w", productID, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: %s", inventory.ErrProductNotFound, productID)
	}

	r := &inventory.InventoryResource{ProductID: productID}
	r.Total, _ = strconv.Atoi(m["total"])
	r.Available, _ = strconv.Atoi(m["available"])
	r.Reserved, _ = strconv.Atoi(m["reserved"])
	r.Version, _ = strconv.ParseInt(m["version"], 10, 64)
	return r, nil
}

func (s *Store) Reservation(ctx context.Context, id string) (*inventory.Reservation, error) {
	m, err := s.client.HGetAll(ctx, reservationKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: read reservation %s: %w", id, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: %s", inventory.ErrReservationNotFound, id)
	}
	return decodeReservation(m)
}

func (s *Store) Reserve(ctx context.Context, r *inventory.Reservation, retention time.Duration) (inventory.Outcome, error) {
	keys := []string{productKey(r.ProductID), reservationKey(r.ID), expiryKey}
	code, err := reserveScript.Run(ctx, s.client, keys,
		r.Quantity,
		r.ID,
		r.ProductID,
		r.CustomerID,
		r.TransactionID,
		formatTime(r.CreatedAt),
		formatTime(r.ExpiresAt),
		formatTime(r.UpdatedAt),
		r.ExpiresAt.UnixMilli(),
		retention.Milliseconds(),
	).Int64()
	if err != nil {
		return inventory.Outcome{}, fmt.Errorf("redisstore: reserve %s: %w", r.ID, err)
	}
	if err := codeErr(code, r.ID, r.ProductID); err != nil {
		return inventory.Outcome{}, err
	}
	return s.outcome(ctx, r.ID, r.ProductID, code == codeChanged)
}

func (s *Store) Confirm(ctx context.Context, id string, at time.Time) (inventory.Outcome, error) {
	return s.run(ctx, confirmScript, id, formatTime(at))
}

func (s *Store) Release(ctx context.Context, id string, to inventory.ReservationStatus, at time.Time) (inventory.Outcome, error) {
	if to != inventory.StatusCancelled && to != inventory.StatusExpired {
		return inventory.Outcome{}, fmt.Errorf("%w: cannot release to %s", inventory.ErrInvalidState, to)
	}
	return s.run(ctx, releaseScript, id, string(to), formatTime(at))
}

func (s *Store) Rollback(ctx context.Context, id string, at time.Time) (inventory.Outcome, error) {
	return s.run(ctx, rollbackScript, id, formatTime(at))
}

func (s *Store) Hold(ctx context.Context, id string, at time.Time) (inventory.Outcome, error) {
	return s.run(ctx, holdScript, id, formatTime(at))
}

// Expired lists due ids from the expiry index. Ids whose hash no longer
// exists are removed from the index and skipped.
func (s *Store) Expired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	for {
		ids, err := s.client.ZRangeByScore(ctx, expiryKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(now.UnixMilli(), 10),
			Count: int64(limit),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: list expired: %w", err)
		}

		live, stale, err := s.partition(ctx, ids)
		if err != nil {
			return nil, err
		}
		if len(stale) > 0 {
			if err := s.client.ZRem(ctx, expiryKey, stale...).Err(); err != nil {
				return nil, fmt.Errorf("redisstore: prune expiry index: %w", err)
			}
		}
		if len(live) > 0 || len(stale) == 0 {
			return live, nil
		}
	}
}

func (s *Store) partition(ctx context.Context, ids []string) (live []string, stale []any, err error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, reservationKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("redisstore: check expired: %w", err)
	}
	for i, id := range ids {
		if exists[i].Val() == 0 {
			stale = append(stale, id)
			continue
		}
		live = append(live, id)
	}
	return live, stale, nil
}

func (s *Store) Overwrite(ctx context.Context, r inventory.InventoryResource) error {
	err := overwriteScript.Run(ctx, s.client, []string{productKey(r.ProductID)},
		r.ProductID, r.Total, r.Available, r.Reserved).Err()
	if err != nil {
		return fmt.Errorf("redisstore: overwrite %s: %w", r.ProductID, err)
	}
	return nil
}

// run executes a script against an existing reservation.
func (s *Store) run(ctx context.Context, script *redis.Script, id string, args ...any) (inventory.Outcome, error) {
	productID, err := s.client.HGet(ctx, reservationKey(id), "productId").Result()
	if errors.Is(err, redis.Nil) {
		return inventory.Outcome{}, fmt.Errorf("%w: %s", inventory.ErrReservationNotFound, id)
	}
	if err != nil {
		return inventory.Outcome{}, fmt.Errorf("redisstore: read reservation %s: %w", id, err)
	}

	keys := []string{productKey(productID), reservationKey(id), expiryKey}
	code, err := script.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return inventory.Outcome{}, fmt.Errorf("redisstore: update reservation %s: %w", id, err)
	}
	if err := codeErr(code, id, productID); err != nil {
		return inventory.Outcome{}, err
	}
	return s.outcome(ctx, id, productID, code == codeChanged)
}

func (s *Store) outcome(ctx context.Context, id, productID string, changed bool) (inventory.Outcome, error) {
	r, err := s.Reservation(ctx, id)
	if err != nil {
		return inventory.Outcome{}, err
	}
	inv, err := s.Inventory(ctx, productID)
	if err != nil {
		return inventory.Outcome{}, err
	}
	return inventory.Outcome{Changed: changed, Reservation: r, Inventory: inv}, nil
}

func codeErr(code int64, id, productID string) error {
	switch code {
	case codeChanged, codeNoop:
		return nil
	case codeNotFound:
		return fmt.Errorf("%w: %s", inventory.ErrReservationNotFound, id)
	case codeInsufficient:
		return inventory.ErrInsufficientInventory
	case codeProductNotFound:
		return fmt.Errorf("%w: %s", inventory.ErrProductNotFound, productID)
	case codeInvalidState:
		return fmt.Errorf("%w: %s", inventory.ErrInvalidState, id)
	case codeDuplicate:
		return fmt.Errorf("%w: %s", inventory.ErrDuplicateReservation, id)
	}
	return fmt.Errorf("redisstore: unexpected script result %d for %s", code, id)
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func decodeReservation(m map[string]string) (*inventory.Reservation, error) {
	r := &inventory.Reservation{
		ID:            m["id"],
		ProductID:     m["productId"],
		CustomerID:    m["customerId"],
		TransactionID: m["transactionId"],
		Status:        inventory.ReservationStatus(m["status"]),
		Held:          m["held"] == "1",
	}
	var err error
	if r.Quantity, err = strconv.Atoi(m["quantity"]); err != nil {
		return nil, fmt.Errorf("redisstore: reservation %s quantity: %w", r.ID, err)
	}
	for field, dst := range map[string]*time.Time{
		"createdAt": &r.CreatedAt,
		"expiresAt": &r.ExpiresAt,
		"updatedAt": &r.UpdatedAt,
	} {
		if *dst, err = time.Parse(timeLayout, m[field]); err != nil {
			return nil, fmt.Errorf("redisstore: reservation %s %s: %w", r.ID, field, err)
		}
	}
	return r, nil
}
