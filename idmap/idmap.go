// Package idmap maintains the cross-store identity links between graph nodes
// and relational rows. Each link is bijective: a graph id maps to exactly one
// relational id and vice versa, and no id ever appears in two links. Links are
// stored through the coordination cache, so in the Clustered profile every
// coordinator instance sees the same mapping.
package idmap

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/sharedcode/duet"
)

const (
	graphKeyPrefix      = "idmap/g/"
	relationalKeyPrefix = "idmap/r/"
	// bindLockKey serializes link writes so the two directions of a link can
	// never be observed half-written by a concurrent binder.
	bindLockKey = "idmap/bind"
	// bindLockTTL caps how long a crashed binder can fence out others.
	bindLockTTL = 30 * time.Second
	// maxRegenerates bounds BindNew's collision retries. Random UUIDs colliding
	// even once is already remarkable; hitting this bound means the id source
	// is broken.
	maxRegenerates = 8
)

// Mapping is one graph id to relational id link.
type Mapping struct {
	GraphID      string `json:"graph_id"`
	RelationalID string `json:"relational_id"`
}

// Service owns the identity links. Construct one per process and share it; the
// cache does the cross-instance coordination.
type Service struct {
	cache duet.Cache

	coldOnce sync.Once
}

func NewService(cache duet.Cache) *Service {
	return &Service{cache: cache}
}

// warnIfCold logs once when the backing cache has lost its contents since the
// process connected, e.g. a Redis restart. Links are then gone and upstream
// loaders have to re-bind.
func (s *Service) warnIfCold(ctx context.Context) {
	if s.cache.IsRestarted(ctx) {
		s.coldOnce.Do(func() {
			log.Warn("identity map cache restarted, existing graph/relational links are lost")
		})
	}
}

// Bind links graphID to relationalID. Either id already being part of a link
// is a Validation error; the caller regenerates the colliding id and retries
// (BindNew does that automatically for relational ids).
func (s *Service) Bind(ctx context.Context, graphID, relationalID string) error {
	if graphID == "" || relationalID == "" {
		return duet.Error{Code: duet.Validation, Err: fmt.Errorf("both ids of a link are required")}
	}
	s.warnIfCold(ctx)

	lk := s.cache.CreateLockKeys([]string{bindLockKey})
	if ok, _, err := s.cache.Lock(ctx, bindLockTTL, lk); !ok || err != nil {
		if err != nil {
			return err
		}
		return duet.Error{Code: duet.LockAcquisitionFailure, Err: fmt.Errorf("identity map bind lock is held")}
	}
	defer s.cache.Unlock(ctx, lk)

	if found, existing, err := s.cache.Get(ctx, graphKeyPrefix+graphID); err != nil {
		return err
	} else if found {
		return duet.Error{
			Code:     duet.Validation,
			Err:      fmt.Errorf("graph id %s is already linked to relational id %s", graphID, existing),
			UserData: Mapping{GraphID: graphID, RelationalID: existing},
		}
	}
	if found, existing, err := s.cache.Get(ctx, relationalKeyPrefix+relationalID); err != nil {
		return err
	} else if found {
		return duet.Error{
			Code:     duet.Validation,
			Err:      fmt.Errorf("relational id %s is already linked to graph id %s", relationalID, existing),
			UserData: Mapping{GraphID: existing, RelationalID: relationalID},
		}
	}

	// No TTL: links live until explicitly unbound.
	if err := s.cache.Set(ctx, graphKeyPrefix+graphID, relationalID, 0); err != nil {
		return err
	}
	if err := s.cache.Set(ctx, relationalKeyPrefix+relationalID, graphID, 0); err != nil {
		// Undo the forward half so a failed bind leaves no one-way link.
		s.cache.Delete(ctx, []string{graphKeyPrefix + graphID})
		return err
	}
	return nil
}

// BindNew links graphID to a freshly generated relational id, regenerating on
// collision, and returns the id it settled on.
func (s *Service) BindNew(ctx context.Context, graphID string) (string, error) {
	var lastErr error
	for i := 0; i < maxRegenerates; i++ {
		relationalID := duet.NewUUID().String()
		err := s.Bind(ctx, graphID, relationalID)
		if err == nil {
			return relationalID, nil
		}
		var de duet.Error
		// Only a relational-side collision warrants a regenerate; a linked
		// graph id or an IO failure will not improve with a new id.
		if errors.As(err, &de) && de.Code == duet.Validation {
			if m, ok := de.UserData.(Mapping); ok && m.GraphID != graphID {
				lastErr = err
				continue
			}
		}
		return "", err
	}
	return "", duet.Error{Code: duet.Validation, Err: fmt.Errorf("could not find a free relational id after %d regenerates: %w", maxRegenerates, lastErr)}
}

// GetRelational returns the relational id linked to graphID.
func (s *Service) GetRelational(ctx context.Context, graphID string) (bool, string, error) {
	s.warnIfCold(ctx)
	return s.cache.Get(ctx, graphKeyPrefix+graphID)
}

// GetGraph returns the graph id linked to relationalID.
func (s *Service) GetGraph(ctx context.Context, relationalID string) (bool, string, error) {
	s.warnIfCold(ctx)
	return s.cache.Get(ctx, relationalKeyPrefix+relationalID)
}

// Unbind removes the link owning graphID, both directions.
func (s *Service) Unbind(ctx context.Context, graphID string) error {
	found, relationalID, err := s.cache.Get(ctx, graphKeyPrefix+graphID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	_, err = s.cache.Delete(ctx, []string{graphKeyPrefix + graphID, relationalKeyPrefix + relationalID})
	return err
}
