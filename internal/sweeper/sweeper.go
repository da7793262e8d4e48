package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Davud77/botplus-maps/internal/objectstore"
)

type objectStore interface {
	ListObjects(ctx context.Context) ([]objectstore.ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

type catalog interface {
	ReferencedKeys(ctx context.Context) (map[string]struct{}, error)
}

// Sweeper reconciles the object store against the catalog. A crash
// between an upload and the catalog insert leaves an orphaned object;
// the sweep finds such objects and, when enabled, removes them.
//
// Uploads land in the store before the catalog row exists, so an object
// younger than the grace window is never treated as an orphan.
type Sweeper struct {
	store         objectStore
	catalog       catalog
	interval      time.Duration
	grace         time.Duration
	deleteOrphans bool
	log           zerolog.Logger
}

func New(store objectStore, cat catalog, interval, grace time.Duration, deleteOrphans bool, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if grace <= 0 {
		grace = 2 * time.Hour
	}
	return &Sweeper{
		store:         store,
		catalog:       cat,
		interval:      interval,
		grace:         grace,
		deleteOrphans: deleteOrphans,
		log:           log,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Debug().Dur("interval", s.interval).Bool("delete_orphans", s.deleteOrphans).
		Msg("storage sweep loop started")

	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Debug().Msg("storage sweep loop stopped")
			return
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("storage sweep failed")
			}
		}
	}
}

// Sweep inspects the store once and returns the orphaned keys it found.
// Objects modified inside the grace window are skipped since their
// catalog row may not be committed yet. Orphans are only deleted when
// the sweeper was built with deletion enabled; otherwise they are
// logged and left in place.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	objects, err := s.store.ListObjects(ctx)
	if err != nil {
		return nil, err
	}
	referenced, err := s.catalog.ReferencedKeys(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-s.grace)

	var orphans []string
	for _, obj := range objects {
		if _, ok := referenced[obj.Key]; ok {
			continue
		}
		if obj.LastModified.After(cutoff) {
			continue
		}
		orphans = append(orphans, obj.Key)

		if !s.deleteOrphans {
			s.log.Info().Str("key", obj.Key).Msg("orphaned object found")
			continue
		}
		if err := s.store.Delete(ctx, obj.Key); err != nil {
			s.log.Error().Err(err).Str("key", obj.Key).Msg("orphaned object delete failed")
			continue
		}
		s.log.Info().Str("key", obj.Key).Msg("orphaned object deleted")
	}

	if len(orphans) > 0 {
		s.log.Info().Int("count", len(orphans)).Msg("storage sweep finished")
	}
	return orphans, nil
}
