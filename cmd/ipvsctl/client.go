package main

import (
	"context"
	"sync"

	"github.com/scitags/ipvs-go/ipvs"
)

// lockedClient serialises calls onto a single client so that the exporter,
// the API and the reconciler can share it.
type lockedClient struct {
	mu sync.Mutex
	c  *ipvs.Client
}

func (l *lockedClient) Services(ctx context.Context) ([]ipvs.ServiceExtended, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Services(ctx)
}

func (l *lockedClient) Destinations(ctx context.Context, s ipvs.Service) ([]ipvs.DestinationExtended, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Destinations(ctx, s)
}

func (l *lockedClient) Info(ctx context.Context) (ipvs.Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Info(ctx)
}

func (l *lockedClient) CreateService(ctx context.Context, s ipvs.Service) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.CreateService(ctx, s)
}

func (l *lockedClient) UpdateService(ctx context.Context, from, to ipvs.Service) (ipvs.ServiceExtended, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.UpdateService(ctx, from, to)
}

func (l *lockedClient) DeleteService(ctx context.Context, s ipvs.Service) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.DeleteService(ctx, s)
}

func (l *lockedClient) CreateDestination(ctx context.Context, s ipvs.Service, d ipvs.Destination) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.CreateDestination(ctx, s, d)
}

func (l *lockedClient) UpdateDestination(ctx context.Context, s ipvs.Service, from, to ipvs.Destination) (ipvs.DestinationExtended, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.UpdateDestination(ctx, s, from, to)
}

func (l *lockedClient) DisableDestination(ctx context.Context, s ipvs.Service, d ipvs.Destination) (ipvs.DestinationExtended, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.DisableDestination(ctx, s, d)
}

func (l *lockedClient) DeleteDestination(ctx context.Context, s ipvs.Service, d ipvs.Destination) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.DeleteDestination(ctx, s, d)
}
