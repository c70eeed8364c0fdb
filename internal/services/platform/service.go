package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/TheMichaelB/fleetwatch/internal/events"
	"github.com/TheMichaelB/fleetwatch/internal/models"
	"github.com/TheMichaelB/fleetwatch/internal/transport"
)

const resyncPath = "/api/deployments/sync"

// API is the platform REST surface the sync engine reads.
type API interface {
	List(ctx context.Context, c models.Collection) ([]models.Resource, error)
	Resync(ctx context.Context) error
	Probe(ctx context.Context, endpoint string) error
}

// Service fetches resource collections from the platform.
type Service struct {
	transport transport.Transport
	logger    *events.Logger

	fetches singleflight.Group
}

// NewService creates a platform service.
func NewService(transport transport.Transport, logger *events.Logger) *Service {
	return &Service{
		transport: transport,
		logger:    logger.WithField("service", "platform"),
	}
}

// CollectionPath returns the REST path listing c.
func CollectionPath(c models.Collection) string {
	return "/api/" + strings.ReplaceAll(string(c), "_", "-")
}

// List fetches every resource in c. Concurrent calls for the same
// collection share one request; each caller gets its own copy. The shared
// request is detached from any one caller's cancellation: a caller whose ctx
// ends gets ctx.Err() while the others keep waiting for the result.
func (s *Service) List(ctx context.Context, c models.Collection) ([]models.Resource, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unknown collection %q", c)
	}

	ch := s.fetches.DoChan(string(c), func() (interface{}, error) {
		return s.list(context.WithoutCancel(ctx), c)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.WithField("collection", c).Debug("Shared in-flight fetch")
		}
		return slices.Clone(res.Val.([]models.Resource)), nil
	}
}

func (s *Service) list(ctx context.Context, c models.Collection) ([]models.Resource, error) {
	var resp map[string]json.RawMessage
	if err := s.transport.GetJSON(ctx, CollectionPath(c), &resp); err != nil {
		return nil, &models.SyncError{
			Code:       models.ErrCodeNetwork,
			Phase:      "fetch",
			Collection: c,
			Err:        err,
		}
	}

	raw, ok := resp[string(c)]
	if !ok {
		return nil, &models.SyncError{
			Code:       models.ErrCodeProtocol,
			Phase:      "fetch",
			Collection: c,
			Err:        fmt.Errorf("response missing %q", c),
		}
	}

	var items []models.Resource
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &models.SyncError{
			Code:       models.ErrCodeProtocol,
			Phase:      "decode",
			Collection: c,
			Err:        err,
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"collection": c,
		"count":      len(items),
	}).Debug("Fetched collection")

	if items == nil {
		items = []models.Resource{}
	}
	return items, nil
}

// Deployments fetches the deployments collection.
func (s *Service) Deployments(ctx context.Context) ([]models.Resource, error) {
	return s.List(ctx, models.Deployments)
}

// LocalServers fetches the local servers collection.
func (s *Service) LocalServers(ctx context.Context) ([]models.Resource, error) {
	return s.List(ctx, models.LocalServers)
}

// RemoteServers fetches the remote servers collection.
func (s *Service) RemoteServers(ctx context.Context) ([]models.Resource, error) {
	return s.List(ctx, models.RemoteServers)
}

// Configs fetches the configs collection.
func (s *Service) Configs(ctx context.Context) ([]models.Resource, error) {
	return s.List(ctx, models.Configs)
}

// Resync asks the platform to reconcile its view with the providers.
func (s *Service) Resync(ctx context.Context) error {
	if err := s.transport.PostJSON(ctx, resyncPath, nil, nil); err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	return nil
}

// Probe checks endpoint's /health.
func (s *Service) Probe(ctx context.Context, endpoint string) error {
	return s.transport.Probe(ctx, strings.TrimRight(endpoint, "/")+"/health")
}
